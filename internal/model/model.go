// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Account is a user's cash balance plus the cached value of their holdings.
type Account struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	FullName       string          `json:"full_name,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"` // Σ holding.current_value
	ReferralCode   string          `json:"referral_code"`
	ReferredBy     string          `json:"referred_by,omitempty"` // account id
	CreatedAt      time.Time       `json:"created_at"`
}

// Instrument is a tradable athlete with a mutable market price.
type Instrument struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Team                  string          `json:"team"`
	Role                  string          `json:"role"` // Batsman, Bowler, All-rounder...
	Stats                 map[string]any  `json:"stats,omitempty"`
	ImageURL              string          `json:"image_url,omitempty"`
	TeamImageURL          string          `json:"team_image_url,omitempty"`
	CurrentPrice          decimal.Decimal `json:"current_price"`
	PriceChange           decimal.Decimal `json:"price_change"`
	PriceChangePercentage decimal.Decimal `json:"price_change_percentage"`
}

// Holding is an account's open position in one instrument.
// A holding with zero quantity never exists; it is removed instead.
type Holding struct {
	AccountID            string          `json:"account_id"`
	InstrumentID         string          `json:"instrument_id"`
	Quantity             int64           `json:"quantity"`
	AverageBuyPrice      decimal.Decimal `json:"average_buy_price"`
	CurrentValue         decimal.Decimal `json:"current_value"` // quantity × instrument price
	ProfitLoss           decimal.Decimal `json:"profit_loss"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
}

// CostBasis is quantity × average buy price.
func (h Holding) CostBasis() decimal.Decimal {
	return h.AverageBuyPrice.Mul(decimal.NewFromInt(h.Quantity))
}

// HoldingView is a holding joined with its instrument for display.
type HoldingView struct {
	Holding
	Instrument Instrument `json:"instrument"`
}

// Transaction is an immutable record of a completed trade.
// Once appended, these are never modified or deleted.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"` // unit price at execution
	Total        decimal.Decimal `json:"total"` // quantity × price
	Timestamp    time.Time       `json:"timestamp"`
}

// PortfolioSummary is derived on demand from an account's holdings and
// transaction history. It is never stored.
type PortfolioSummary struct {
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	Balance          decimal.Decimal `json:"balance"`
	Growth           decimal.Decimal `json:"growth"`
	GrowthPercentage decimal.Decimal `json:"growth_percentage"`
}

// Match statuses.
const (
	MatchLive      = "LIVE"
	MatchUpcoming  = "UPCOMING"
	MatchCompleted = "COMPLETED"
)

// Match is a point-in-time view of a fixture as reported by the score feed
// or entered by an operator.
type Match struct {
	ID          string    `json:"id" yaml:"id"`
	Tournament  string    `json:"tournament,omitempty" yaml:"tournament"`
	Team1       string    `json:"team1" yaml:"team1"`
	Team2       string    `json:"team2" yaml:"team2"`
	Team1Score  string    `json:"team1_score,omitempty" yaml:"team1_score"`
	Team2Score  string    `json:"team2_score,omitempty" yaml:"team2_score"`
	Status      string    `json:"status" yaml:"status"`
	Venue       string    `json:"venue,omitempty" yaml:"venue"`
	MatchInfo   string    `json:"match_info,omitempty" yaml:"match_info"`
	CurrentOver string    `json:"current_over,omitempty" yaml:"current_over"`
	StartTime   time.Time `json:"start_time" yaml:"start_time"`
}
