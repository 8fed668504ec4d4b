package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/model"
)

// PostgresJournal implements Journal using PostgreSQL. Monetary values are
// stored as NUMERIC for exact decimal precision.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS execution_receipts (
	id         UUID PRIMARY KEY,
	account    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	value      NUMERIC NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_receipts_account
	ON execution_receipts (account, timestamp);
`

// NewPostgresJournal creates a PostgreSQL-backed journal.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

// Migrate creates the journal schema if it does not exist.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Append(ctx context.Context, r model.ExecutionReceipt) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO execution_receipts (id, account, kind, asset, amount, price, value, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		r.ID, r.Account, string(r.Kind), r.Asset,
		r.Amount.String(), r.Price.String(), r.Value.String(),
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append receipt %s: %w", r.ID, err)
	}
	return nil
}

func (j *PostgresJournal) ListByAccount(ctx context.Context, account string) ([]model.ExecutionReceipt, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, account, kind, asset,
		        amount::TEXT, price::TEXT, value::TEXT, timestamp
		 FROM execution_receipts WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []model.ExecutionReceipt
	for rows.Next() {
		var r model.ExecutionReceipt
		var kind, amountS, priceS, valueS string

		if err := rows.Scan(&r.ID, &r.Account, &kind, &r.Asset,
			&amountS, &priceS, &valueS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Kind = model.ActionKind(kind)
		r.Amount, _ = decimal.NewFromString(amountS)
		r.Price, _ = decimal.NewFromString(priceS)
		r.Value, _ = decimal.NewFromString(valueS)

		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
