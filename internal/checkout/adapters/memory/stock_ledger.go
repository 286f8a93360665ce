// Package memory holds in-process ledgers used for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
)

var _ ports.StockLedger = (*StockLedger)(nil)

type StockLedger struct {
	mu    sync.Mutex
	stock map[string]domain.StockRecord
}

func NewStockLedger(records ...domain.StockRecord) *StockLedger {
	l := &StockLedger{stock: make(map[string]domain.StockRecord, len(records))}
	for _, r := range records {
		l.stock[r.ProductID] = r
	}
	return l
}

func (l *StockLedger) Get(ctx context.Context, productID string) (domain.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.stock[productID]
	if !ok {
		return domain.StockRecord{}, fmt.Errorf("memory: stock %q: %w", productID, domain.ErrProductNotFound)
	}
	return rec, nil
}

func (l *StockLedger) ApplyDelta(ctx context.Context, productID string, delta, expected int) (domain.StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.stock[productID]
	if !ok {
		return domain.StockRecord{}, fmt.Errorf("memory: stock %q: %w", productID, domain.ErrProductNotFound)
	}
	if expected != ports.AnyOnHand && rec.OnHand != expected {
		return rec, fmt.Errorf("memory: stock %q is %d, expected %d: %w", productID, rec.OnHand, expected, domain.ErrWriteConflict)
	}
	if rec.OnHand+delta < 0 {
		return rec, fmt.Errorf("memory: stock %q is %d, delta %d: %w", productID, rec.OnHand, delta, domain.ErrNegativeStock)
	}

	rec.OnHand += delta
	l.stock[productID] = rec
	return rec, nil
}

// Set replaces the on-hand quantity of a product, creating it if needed.
// It is the restocking path for development seeds and tests.
func (l *StockLedger) Set(productID, name string, onHand int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[productID] = domain.StockRecord{ProductID: productID, Name: name, OnHand: onHand}
}
