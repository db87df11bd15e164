package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/model"
)

// PostgresJournal writes to PostgreSQL. Money is stored as NUMERIC for
// exact decimal precision.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to url and creates the schema if needed.
func NewPostgres(ctx context.Context, url string) (*PostgresJournal, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

// Record inserts txs in one database transaction. Re-recording an id is a
// no-op.
func (j *PostgresJournal) Record(ctx context.Context, version uint64, txs []model.Transaction) error {
	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(
			`INSERT INTO ledger_transactions
			   (id, ledger_version, account_id, instrument_id, side, quantity, price, total, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, int64(version), t.AccountID, t.InstrumentID, string(t.Side),
			t.Quantity, t.Price.String(), t.Total.String(), t.Timestamp,
		)
	}
	return pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListByAccount returns the account's journaled transactions in id order.
func (j *PostgresJournal) ListByAccount(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, ledger_version, account_id, instrument_id, side, quantity,
		        price::TEXT, total::TEXT, executed_at
		 FROM ledger_transactions WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var version int64
		var side, priceS, totalS string
		if err := rows.Scan(&e.ID, &version, &e.AccountID, &e.InstrumentID, &side,
			&e.Quantity, &priceS, &totalS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Version = uint64(version)
		e.Side = model.Side(side)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Total, _ = decimal.NewFromString(totalS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
