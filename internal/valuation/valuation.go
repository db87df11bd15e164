// Package valuation keeps holding values and portfolio totals consistent with
// instrument prices.
//
// The package-level functions operate on an open store.Tx so the trade
// engine can re-value inside the same exclusive transaction as the trade.
// Propagator wraps them in their own ledger transactions for price feeds
// and read paths.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Revalue sets current value and profit/loss of h at price. The P/L
// percentage is zero when the cost basis is zero.
func Revalue(h *model.Holding, price decimal.Decimal) {
	qty := decimal.NewFromInt(h.Quantity)
	cost := qty.Mul(h.AverageBuyPrice)

	h.CurrentValue = qty.Mul(price)
	h.ProfitLoss = h.CurrentValue.Sub(cost)
	if cost.IsZero() {
		h.ProfitLossPercentage = decimal.Zero
		return
	}
	h.ProfitLossPercentage = h.ProfitLoss.Div(cost).Mul(hundred)
}

// PortfolioValue is Σ current value.
func PortfolioValue(holdings []model.Holding) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		total = total.Add(h.CurrentValue)
	}
	return total
}

// RecomputePortfolio stores Σ current value of the account's holdings on
// the account and returns the updated account. The account is only written
// when the value changed.
func RecomputePortfolio(tx *store.Tx, accountID string) (model.Account, error) {
	acct, err := tx.Account(accountID)
	if err != nil {
		return model.Account{}, err
	}
	value := PortfolioValue(tx.HoldingsByAccount(accountID))
	if acct.PortfolioValue.Equal(value) {
		return acct, nil
	}
	acct.PortfolioValue = value
	if err := tx.UpdateAccount(acct); err != nil {
		return model.Account{}, err
	}
	return acct, nil
}

// PriceChange is the outcome of applying one instrument price.
type PriceChange struct {
	InstrumentID string          `json:"instrument_id"`
	OldPrice     decimal.Decimal `json:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	Changed      bool            `json:"changed"`
	Accounts     []string        `json:"accounts,omitempty"` // owners of re-valued holdings
}

// Reprice sets the instrument price and, when it moved, re-values every
// holding in the instrument and the owning accounts' portfolio totals.
// Holdings are found through the store's instrument index.
func Reprice(tx *store.Tx, instrumentID string, price decimal.Decimal) (PriceChange, error) {
	old, err := tx.UpdateInstrumentPrice(instrumentID, price)
	if err != nil {
		return PriceChange{}, err
	}
	pc := PriceChange{InstrumentID: instrumentID, OldPrice: old, NewPrice: price}
	if old.Equal(price) {
		return pc, nil
	}
	pc.Changed = true

	for _, h := range tx.HoldingsByInstrument(instrumentID) {
		Revalue(&h, price)
		if err := tx.UpdateHolding(h); err != nil {
			return pc, err
		}
		pc.Accounts = append(pc.Accounts, h.AccountID)
	}
	for _, accountID := range pc.Accounts {
		if _, err := RecomputePortfolio(tx, accountID); err != nil {
			return pc, err
		}
	}
	return pc, nil
}

// Summarize derives the portfolio summary from the account's balance, its
// holdings and the net of its BUY/SELL history.
//
// growth is portfolio value minus net investment when net investment is
// positive, and the raw portfolio value otherwise.
func Summarize(tx *store.Tx, accountID string) (model.PortfolioSummary, error) {
	acct, err := tx.Account(accountID)
	if err != nil {
		return model.PortfolioSummary{}, err
	}

	bought, sold := decimal.Zero, decimal.Zero
	for _, t := range tx.Transactions(accountID) {
		switch t.Side {
		case model.SideBuy:
			bought = bought.Add(t.Total)
		case model.SideSell:
			sold = sold.Add(t.Total)
		}
	}
	net := bought.Sub(sold)
	value := PortfolioValue(tx.HoldingsByAccount(accountID))

	s := model.PortfolioSummary{
		PortfolioValue:   value,
		Balance:          acct.Balance,
		Growth:           value,
		GrowthPercentage: decimal.Zero,
	}
	if net.IsPositive() {
		s.Growth = value.Sub(net)
		s.GrowthPercentage = s.Growth.Div(net).Mul(hundred)
	}
	return s, nil
}

// HoldingViews joins the account's holdings with their instruments.
func HoldingViews(tx *store.Tx, accountID string) ([]model.HoldingView, error) {
	holdings := tx.HoldingsByAccount(accountID)
	views := make([]model.HoldingView, 0, len(holdings))
	for _, h := range holdings {
		in, err := tx.Instrument(h.InstrumentID)
		if err != nil {
			return nil, err
		}
		views = append(views, model.HoldingView{Holding: h, Instrument: in})
	}
	return views, nil
}
