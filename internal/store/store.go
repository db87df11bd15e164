// Package store owns the in-memory trading ledger: accounts, instruments,
// holdings and the append-only transaction log.
//
// Every read and write goes through a Tx obtained from Ledger.View (shared)
// or Ledger.Update (exclusive). The Ledger's lock is the single serialization
// point for all mutations, so readers observe either the state before an
// Update or the state after it, never a partial one.
package store

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/model"
)

// ErrReadOnly is returned when a mutating method is called on a Tx opened
// with View.
var ErrReadOnly = errors.New("store: mutation in read-only transaction")

// Commit describes a successful Update that appended transactions.
type Commit struct {
	Version      uint64
	Transactions []model.Transaction
}

// CommitHook is called after an Update that appended transactions has
// released the ledger lock. Hooks must not block for long.
type CommitHook func(Commit)

type holdingKey struct {
	account    string
	instrument string
}

// Ledger is the in-memory ledger. The zero value is not usable; call NewLedger.
type Ledger struct {
	mu      sync.RWMutex
	version uint64

	accounts  map[string]*model.Account
	usernames map[string]string // lower(username) -> account id
	referrals map[string]string // referral code -> account id

	instruments map[string]*model.Instrument
	trending    *trendIndex

	holdings     map[holdingKey]*model.Holding
	byAccount    map[string]map[string]struct{} // account -> instrument ids
	byInstrument map[string]map[string]struct{} // instrument -> account ids

	transactions []model.Transaction
	txByAccount  map[string][]int

	now  func() time.Time
	txID func() string

	hookMu sync.RWMutex
	hooks  []CommitHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for transaction and account timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:     make(map[string]*model.Account),
		usernames:    make(map[string]string),
		referrals:    make(map[string]string),
		instruments:  make(map[string]*model.Instrument),
		trending:     newTrendIndex(),
		holdings:     make(map[holdingKey]*model.Holding),
		byAccount:    make(map[string]map[string]struct{}),
		byInstrument: make(map[string]map[string]struct{}),
		txByAccount:  make(map[string][]int),
		now:          func() time.Time { return time.Now().UTC() },
		txID:         func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnCommit registers a hook fired after every Update that appended at least
// one transaction.
func (l *Ledger) OnCommit(h CommitHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Update runs fn with exclusive access to the ledger. fn must detect every
// failure before its first mutation: there is no rollback.
func (l *Ledger) Update(fn func(tx *Tx) error) error {
	c, err := l.update(fn)
	if err != nil {
		return err
	}
	if len(c.Transactions) > 0 {
		l.notify(c)
	}
	return nil
}

func (l *Ledger) update(fn func(tx *Tx) error) (Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{l: l, writable: true}
	defer tx.close()

	err := fn(tx)
	if tx.dirty {
		l.version++
	}
	if err != nil {
		if tx.dirty {
			slog.Error("ledger update failed after mutation", "version", l.version, "err", err)
		}
		return Commit{}, err
	}
	return Commit{Version: l.version, Transactions: tx.appended}, nil
}

// View runs fn with shared access to the ledger.
func (l *Ledger) View(fn func(tx *Tx) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx := &Tx{l: l}
	defer tx.close()
	return fn(tx)
}

// Version returns the number of mutating Updates applied so far.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *Ledger) notify(c Commit) {
	l.hookMu.RLock()
	hooks := l.hooks
	l.hookMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// --- Convenience reads ---

// GetAccount returns a copy of the account.
func (l *Ledger) GetAccount(id string) (acct model.Account, err error) {
	err = l.View(func(tx *Tx) error {
		acct, err = tx.Account(id)
		return err
	})
	return acct, err
}

// GetInstrument returns a copy of the instrument.
func (l *Ledger) GetInstrument(id string) (in model.Instrument, err error) {
	err = l.View(func(tx *Tx) error {
		in, err = tx.Instrument(id)
		return err
	})
	return in, err
}

// GetHolding returns a copy of the holding for (accountID, instrumentID).
func (l *Ledger) GetHolding(accountID, instrumentID string) (h model.Holding, err error) {
	err = l.View(func(tx *Tx) error {
		h, err = tx.Holding(accountID, instrumentID)
		return err
	})
	return h, err
}

// Instruments returns every instrument ordered by name.
func (l *Ledger) Instruments() []model.Instrument {
	var out []model.Instrument
	_ = l.View(func(tx *Tx) error {
		out = tx.Instruments()
		return nil
	})
	return out
}

// Trending returns up to limit instruments with the largest absolute
// percentage move.
func (l *Ledger) Trending(limit int) []model.Instrument {
	var out []model.Instrument
	_ = l.View(func(tx *Tx) error {
		out = tx.Trending(limit)
		return nil
	})
	return out
}

// Transactions returns the account's transactions in append order.
func (l *Ledger) Transactions(accountID string) ([]model.Transaction, error) {
	var out []model.Transaction
	err := l.View(func(tx *Tx) error {
		if _, err := tx.Account(accountID); err != nil {
			return err
		}
		out = tx.Transactions(accountID)
		return nil
	})
	return out, err
}

// Prices returns the current price of every instrument keyed by id.
func (l *Ledger) Prices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	_ = l.View(func(tx *Tx) error {
		for id, in := range tx.l.instruments {
			prices[id] = in.CurrentPrice
		}
		return nil
	})
	return prices
}
