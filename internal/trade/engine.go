package trade

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/valuation"
)

// Order is one BUY or SELL request against a single account and instrument.
type Order struct {
	AccountID    string
	InstrumentID string
	Side         model.Side
	Quantity     int64
}

// Result is the ledger state produced by an executed order.
type Result struct {
	Transaction model.Transaction `json:"transaction"`
	Holding     *model.Holding    `json:"holding,omitempty"` // nil after a full close
	Account     model.Account     `json:"account"`
	Version     uint64            `json:"version"`
}

// Engine executes orders against the ledger. Each order runs inside one
// exclusive ledger transaction: validation first, then every mutation, so
// no partial trade is ever visible. Engine does no I/O and an accepted order
// always runs to completion.
type Engine struct {
	ledger *store.Ledger
}

// NewEngine creates an engine over the given ledger.
func NewEngine(ledger *store.Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// ExecuteTrade validates and applies one order at the instrument's current
// price.
func (e *Engine) ExecuteTrade(o Order) (Result, error) {
	start := time.Now()
	var res Result
	err := e.ledger.Update(func(tx *store.Tx) error {
		var err error
		res, err = execute(tx, o)
		return err
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(model.Code(err)).Inc()
		return Result{}, err
	}

	side := string(o.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(o.InstrumentID, side).Add(float64(o.Quantity))
	return res, nil
}

func execute(tx *store.Tx, o Order) (Result, error) {
	if !o.Side.Valid() {
		return Result{}, model.ErrInvalidSide
	}
	if o.Quantity <= 0 {
		return Result{}, model.ErrInvalidQuantity
	}
	instrument, err := tx.Instrument(o.InstrumentID)
	if err != nil {
		return Result{}, err
	}
	acct, err := tx.Account(o.AccountID)
	if err != nil {
		return Result{}, err
	}

	qty := decimal.NewFromInt(o.Quantity)
	price := instrument.CurrentPrice
	total := qty.Mul(price)

	existing, err := tx.Holding(o.AccountID, o.InstrumentID)
	held := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}

	// All rejections happen above this line.
	switch o.Side {
	case model.SideBuy:
		if acct.Balance.LessThan(total) {
			return Result{}, model.ErrInsufficientBalance
		}
	case model.SideSell:
		if !held || existing.Quantity < o.Quantity {
			return Result{}, model.ErrInsufficientHoldings
		}
	}

	t, err := tx.AppendTransaction(model.Transaction{
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Quantity:     o.Quantity,
		Price:        price,
		Total:        total,
	})
	if err != nil {
		return Result{}, err
	}

	var holding *model.Holding
	switch o.Side {
	case model.SideBuy:
		acct.Balance = acct.Balance.Sub(total)
		holding, err = applyBuy(tx, existing, held, o, total, price)
	case model.SideSell:
		acct.Balance = acct.Balance.Add(total)
		holding, err = applySell(tx, existing, o, price)
	}
	if err != nil {
		return Result{}, err
	}
	if err := tx.UpdateAccount(acct); err != nil {
		return Result{}, err
	}

	acct, err = valuation.RecomputePortfolio(tx, o.AccountID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Transaction: t,
		Holding:     holding,
		Account:     acct,
		Version:     tx.Version(),
	}, nil
}

// applyBuy creates the holding or folds the fill into its weighted average
// cost: (oldAvg×oldQty + total) / (oldQty + qty).
func applyBuy(tx *store.Tx, h model.Holding, held bool, o Order, total, price decimal.Decimal) (*model.Holding, error) {
	if !held {
		h = model.Holding{
			AccountID:       o.AccountID,
			InstrumentID:    o.InstrumentID,
			Quantity:        o.Quantity,
			AverageBuyPrice: price,
		}
		valuation.Revalue(&h, price)
		if err := tx.CreateHolding(h); err != nil {
			return nil, err
		}
		return &h, nil
	}

	newQty := h.Quantity + o.Quantity
	h.AverageBuyPrice = h.CostBasis().Add(total).Div(decimal.NewFromInt(newQty))
	h.Quantity = newQty
	valuation.Revalue(&h, price)
	if err := tx.UpdateHolding(h); err != nil {
		return nil, err
	}
	return &h, nil
}

// applySell reduces the holding, leaving its average cost alone, and removes
// it when nothing is left.
func applySell(tx *store.Tx, h model.Holding, o Order, price decimal.Decimal) (*model.Holding, error) {
	h.Quantity -= o.Quantity
	if h.Quantity == 0 {
		if err := tx.RemoveHolding(o.AccountID, o.InstrumentID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	valuation.Revalue(&h, price)
	if err := tx.UpdateHolding(h); err != nil {
		return nil, err
	}
	return &h, nil
}
