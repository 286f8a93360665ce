// Package postgres implements the stock and sales ledgers on PostgreSQL.
//
// The two ledgers share a pool but are never written inside one transaction:
// checkout consistency comes from the coordinator's compensation, not from
// the database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id          TEXT PRIMARY KEY,
    name        TEXT        NOT NULL DEFAULT '',
    stock       INTEGER     NOT NULL CHECK (stock >= 0),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id              UUID PRIMARY KEY,
    user_id         TEXT           NOT NULL,
    customer_name   TEXT,
    customer_phone  TEXT,
    total_amount    NUMERIC(14, 2) NOT NULL CHECK (total_amount >= 0),
    items           JSONB          NOT NULL,
    created_at      TIMESTAMPTZ    NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
`

// Open connects a pool and verifies the database answers.
func Open(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the ledger tables. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// UpsertProducts sets the on-hand quantity of each record, creating missing
// products. It is the stock-taking entry point, not part of checkout.
func UpsertProducts(ctx context.Context, pool *pgxpool.Pool, records ...domain.StockRecord) error {
	const q = `
		INSERT INTO products (id, name, stock) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, stock = EXCLUDED.stock, updated_at = now()`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(q, r.ProductID, r.Name, r.OnHand)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert products: %w", err)
	}
	return nil
}
