// Package auth resolves the account behind an HTTP request.
//
// Session handling lives upstream: the engine only trusts an account id
// that an authenticating proxy has already attached to the request.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader carries the authenticated account id.
const DefaultHeader = "X-Account-ID"

// ErrUnauthenticated is returned when a request carries no account.
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider resolves the account id of a request.
type Provider interface {
	AccountID(r *http.Request) (string, error)
}

// HeaderProvider reads the account id from a trusted request header.
type HeaderProvider struct {
	Header string // defaults to DefaultHeader
}

// AccountID implements Provider.
func (p HeaderProvider) AccountID(r *http.Request) (string, error) {
	name := p.Header
	if name == "" {
		name = DefaultHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

type ctxKey struct{}

// WithAccount returns a copy of ctx carrying accountID.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, accountID)
}

// AccountFromContext returns the account id stored by Middleware.
func AccountFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware attaches the resolved account id to the request context.
// Anonymous requests pass through untouched.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := p.AccountID(r); err == nil {
				r = r.WithContext(WithAccount(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require rejects requests without an account with 401.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AccountFromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
