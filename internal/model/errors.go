package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger operations. Handlers map these to HTTP status
// codes with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownAccount    = fmt.Errorf("unknown account: %w", ErrNotFound)
	ErrUnknownInstrument = fmt.Errorf("unknown instrument: %w", ErrNotFound)
	ErrHoldingNotFound   = fmt.Errorf("holding: %w", ErrNotFound)
	ErrUnknownMatch      = fmt.Errorf("unknown match: %w", ErrNotFound)

	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidQuantity = fmt.Errorf("quantity must be a positive integer: %w", ErrInvalidInput)
	ErrInvalidSide     = fmt.Errorf("side must be BUY or SELL: %w", ErrInvalidInput)
	ErrInvalidPrice    = fmt.Errorf("price must be positive: %w", ErrInvalidInput)
	ErrInvalidReferral = fmt.Errorf("unknown referral code: %w", ErrInvalidInput)

	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	ErrAlreadyExists = errors.New("already exists")

	// ErrUpstreamUnavailable marks external feed failures. It is recovered
	// locally and never returned from a trade.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Code returns the stable machine-readable code for err, as reported to API
// clients and used as a metrics label.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}
