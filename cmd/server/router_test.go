package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/market-engine/internal/auth"
	"github.com/pitchside/market-engine/internal/config"
	"github.com/pitchside/market-engine/internal/feed"
	"github.com/pitchside/market-engine/internal/market"
	"github.com/pitchside/market-engine/internal/realtime"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/trade"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	l := store.NewLedger()
	board := feed.NewBoard(nil, nil)
	seed, err := config.LoadSeed("")
	require.NoError(t, err)
	require.NoError(t, seed.Apply(l, board, decimal.NewFromInt(10000)))

	hub := realtime.NewHub(l, board)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return newRouter(services{
		trade:  trade.NewService(l, hub, trade.Config{StartingBalance: decimal.NewFromInt(10000), ReferralBonus: decimal.NewFromInt(500)}),
		market: market.NewService(l, board, hub, 10),
		hub:    hub,
		auth:   auth.HeaderProvider{},
		cors:   "*",
	})
}

func serveReq(h http.Handler, method, path, account, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if account != "" {
		req.Header.Set(auth.DefaultHeader, account)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	w := serveReq(newTestRouter(t), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Preflight(t *testing.T) {
	w := serveReq(newTestRouter(t), http.MethodOptions, "/api/trade", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), auth.DefaultHeader)
}

func TestRouter_PublicAndPrivateRoutes(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusOK, serveReq(r, http.MethodGet, "/api/instruments", "", "").Code)
	assert.Equal(t, http.StatusOK, serveReq(r, http.MethodGet, "/api/instruments/trending", "", "").Code)
	assert.Equal(t, http.StatusOK, serveReq(r, http.MethodGet, "/api/matches/live", "", "").Code)

	assert.Equal(t, http.StatusUnauthorized, serveReq(r, http.MethodGet, "/api/portfolio", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serveReq(r, http.MethodPost, "/api/trade", "", "{}").Code)

	w := serveReq(r, http.MethodPost, "/api/trade", "demo", `{"instrument_id":"virat-kohli","side":"BUY","quantity":2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serveReq(r, http.MethodGet, "/api/holdings", "demo", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "virat-kohli")
}

func TestRouter_Metrics(t *testing.T) {
	r := newTestRouter(t)
	serveReq(r, http.MethodGet, "/health", "", "")

	w := serveReq(r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "# TYPE"), "expected prometheus exposition")
}

func TestOriginChecker(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, originChecker("*")(req))
	assert.True(t, originChecker("https://app.example")(req), "no Origin header")

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, originChecker("https://app.example")(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, originChecker("https://app.example")(req))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "market-engine dev\n", out.String())
}
