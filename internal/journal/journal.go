// Package journal exports committed ledger transactions to an external
// audit store. The in-memory ledger stays the source of truth; nothing is
// ever read back into it.
package journal

import (
	"context"
	"fmt"

	"github.com/pitchside/market-engine/internal/model"
)

// Journal records transactions together with the ledger version that
// committed them.
type Journal interface {
	Record(ctx context.Context, version uint64, txs []model.Transaction) error
	ListByAccount(ctx context.Context, accountID string) ([]Entry, error)
	Close() error
}

// Entry is one journaled transaction.
type Entry struct {
	model.Transaction
	Version uint64 `json:"version"`
}

// Open returns the journal selected by driver: "postgres" uses dsn as a
// connection URL, "sqlite" uses it as a file path.
func Open(ctx context.Context, driver, dsn string) (Journal, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", driver)
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id TEXT PRIMARY KEY,
	ledger_version INTEGER NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	price TEXT NOT NULL,
	total TEXT NOT NULL,
	executed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account ON ledger_transactions(account_id, id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id TEXT PRIMARY KEY,
	ledger_version BIGINT NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity BIGINT NOT NULL CHECK (quantity > 0),
	price NUMERIC NOT NULL,
	total NUMERIC NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account ON ledger_transactions(account_id, id);
`
