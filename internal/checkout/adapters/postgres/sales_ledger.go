package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
)

var _ ports.SalesLedger = (*SalesLedger)(nil)

type SalesLedger struct {
	pool *pgxpool.Pool
}

func NewSalesLedger(pool *pgxpool.Pool) *SalesLedger {
	return &SalesLedger{pool: pool}
}

// Append inserts the whole sale in one statement, so a row is either absent
// or complete.
func (l *SalesLedger) Append(ctx context.Context, sale *domain.SaleRecord) (string, error) {
	if sale == nil {
		return "", fmt.Errorf("postgres: append sale: nil record")
	}

	items, err := json.Marshal(sale.Items)
	if err != nil {
		return "", fmt.Errorf("postgres: encode sale items: %w", err)
	}

	const q = `
		INSERT INTO transactions
			(id, user_id, customer_name, customer_phone, total_amount, items, created_at)
		VALUES
			($1, $2, $3, $4, $5::numeric, $6, $7)`

	id := uuid.NewString()
	_, err = l.pool.Exec(ctx, q,
		id,
		sale.UserID,
		nullableString(sale.CustomerName),
		nullableString(sale.CustomerPhone),
		sale.TotalAmount.String(),
		items,
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("postgres: insert sale: %w", err)
	}
	return id, nil
}

func (l *SalesLedger) Get(ctx context.Context, id string) (*domain.SaleRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("postgres: sale %q: %w", id, domain.ErrSaleNotFound)
	}

	const q = `
		SELECT id::text, user_id, COALESCE(customer_name, ''), COALESCE(customer_phone, ''),
		       total_amount::text, items, created_at
		FROM   transactions
		WHERE  id = $1`

	var (
		sale  domain.SaleRecord
		total string
		items []byte
	)
	err := l.pool.QueryRow(ctx, q, id).Scan(
		&sale.ID,
		&sale.UserID,
		&sale.CustomerName,
		&sale.CustomerPhone,
		&total,
		&items,
		&sale.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: sale %q: %w", id, domain.ErrSaleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get sale %q: %w", id, err)
	}

	if sale.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("postgres: decode total of sale %q: %w", id, err)
	}
	if err := json.Unmarshal(items, &sale.Items); err != nil {
		return nil, fmt.Errorf("postgres: decode items of sale %q: %w", id, err)
	}
	return &sale, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
