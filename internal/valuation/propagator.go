package valuation

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
)

// Portfolio is an account's summary and holdings read at one ledger version.
type Portfolio struct {
	Summary  model.PortfolioSummary `json:"portfolio"`
	Holdings []model.HoldingView    `json:"holdings"`
	Version  uint64                 `json:"version"`
}

// Propagator applies instrument price changes to the ledger and serves
// consistent portfolio reads.
type Propagator struct {
	ledger *store.Ledger
}

// NewPropagator creates a propagator over the given ledger.
func NewPropagator(ledger *store.Ledger) *Propagator {
	return &Propagator{ledger: ledger}
}

// OnPriceChanged applies a new instrument price in one exclusive ledger
// transaction. Applying the price an instrument already has is a no-op.
func (p *Propagator) OnPriceChanged(instrumentID string, price decimal.Decimal) (PriceChange, error) {
	var pc PriceChange
	err := p.ledger.Update(func(tx *store.Tx) error {
		var err error
		pc, err = Reprice(tx, instrumentID, price)
		return err
	})
	if err != nil {
		return PriceChange{}, err
	}
	if pc.Changed {
		metrics.PricePropagations.Inc()
		metrics.HoldingsRevalued.Add(float64(len(pc.Accounts)))
		slog.Debug("price propagated",
			"instrument", instrumentID,
			"old", pc.OldPrice.String(),
			"new", pc.NewPrice.String(),
			"holdings", len(pc.Accounts),
		)
	}
	return pc, nil
}

// RecomputePortfolio recomputes and stores the account's portfolio value.
func (p *Propagator) RecomputePortfolio(accountID string) (decimal.Decimal, error) {
	var acct model.Account
	err := p.ledger.Update(func(tx *store.Tx) error {
		var err error
		acct, err = RecomputePortfolio(tx, accountID)
		return err
	})
	return acct.PortfolioValue, err
}

// Summarize returns the account's portfolio summary.
func (p *Propagator) Summarize(accountID string) (model.PortfolioSummary, error) {
	var s model.PortfolioSummary
	err := p.ledger.View(func(tx *store.Tx) error {
		var err error
		s, err = Summarize(tx, accountID)
		return err
	})
	return s, err
}

// Portfolio reads the summary and holdings of an account under one shared
// lock, so both reflect the same ledger version.
func (p *Propagator) Portfolio(accountID string) (Portfolio, error) {
	var out Portfolio
	err := p.ledger.View(func(tx *store.Tx) error {
		s, err := Summarize(tx, accountID)
		if err != nil {
			return err
		}
		views, err := HoldingViews(tx, accountID)
		if err != nil {
			return err
		}
		out = Portfolio{Summary: s, Holdings: views, Version: tx.Version()}
		return nil
	})
	return out, err
}
