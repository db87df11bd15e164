package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/model"
)

// SQLiteJournal writes to a local SQLite file. Money is stored as decimal
// text.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLite opens path and creates the schema if needed.
func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Record inserts txs in one database transaction. Re-recording an id is a
// no-op.
func (j *SQLiteJournal) Record(ctx context.Context, version uint64, txs []model.Transaction) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ledger_transactions
		(id, ledger_version, account_id, instrument_id, side, quantity, price, total, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx,
			t.ID, int64(version), t.AccountID, t.InstrumentID, string(t.Side),
			t.Quantity, t.Price.String(), t.Total.String(), t.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("journal: insert %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// ListByAccount returns the account's journaled transactions in id order.
func (j *SQLiteJournal) ListByAccount(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ledger_version, account_id, instrument_id, side, quantity, price, total, executed_at
		FROM ledger_transactions WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var version int64
		var side, priceS, totalS string
		var at time.Time
		if err := rows.Scan(&e.ID, &version, &e.AccountID, &e.InstrumentID, &side,
			&e.Quantity, &priceS, &totalS, &at); err != nil {
			return nil, err
		}
		e.Version = uint64(version)
		e.Side = model.Side(side)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Total, _ = decimal.NewFromString(totalS)
		e.Timestamp = at.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
