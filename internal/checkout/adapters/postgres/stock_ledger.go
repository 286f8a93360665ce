package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
)

var _ ports.StockLedger = (*StockLedger)(nil)

type StockLedger struct {
	pool *pgxpool.Pool
}

func NewStockLedger(pool *pgxpool.Pool) *StockLedger {
	return &StockLedger{pool: pool}
}

func (l *StockLedger) Get(ctx context.Context, productID string) (domain.StockRecord, error) {
	const q = `SELECT id, name, stock FROM products WHERE id = $1`

	var rec domain.StockRecord
	err := l.pool.QueryRow(ctx, q, productID).Scan(&rec.ProductID, &rec.Name, &rec.OnHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("postgres: stock %q: %w", productID, domain.ErrProductNotFound)
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("postgres: get stock %q: %w", productID, err)
	}
	return rec, nil
}

// ApplyDelta is a single conditional UPDATE; the row lock taken by Postgres
// makes the compare and the write one step.
func (l *StockLedger) ApplyDelta(ctx context.Context, productID string, delta, expected int) (domain.StockRecord, error) {
	const q = `
		UPDATE products
		SET    stock = stock + $2, updated_at = now()
		WHERE  id = $1
		  AND  ($3::int < 0 OR stock = $3::int)
		  AND  stock + $2 >= 0
		RETURNING id, name, stock`

	var rec domain.StockRecord
	err := l.pool.QueryRow(ctx, q, productID, delta, expected).Scan(&rec.ProductID, &rec.Name, &rec.OnHand)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("postgres: apply delta %d to %q: %w", delta, productID, err)
	}

	// Nothing matched: find out which guard rejected the write.
	current, getErr := l.Get(ctx, productID)
	if getErr != nil {
		return domain.StockRecord{}, getErr
	}
	if expected != ports.AnyOnHand && current.OnHand != expected {
		return current, fmt.Errorf("postgres: stock %q is %d, expected %d: %w", productID, current.OnHand, expected, domain.ErrWriteConflict)
	}
	return current, fmt.Errorf("postgres: stock %q is %d, delta %d: %w", productID, current.OnHand, delta, domain.ErrNegativeStock)
}
