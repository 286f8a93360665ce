package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
)

var _ ports.SalesLedger = (*SalesLedger)(nil)

type SalesLedger struct {
	mu    sync.RWMutex
	sales map[string]domain.SaleRecord
	order []string
}

func NewSalesLedger() *SalesLedger {
	return &SalesLedger{sales: make(map[string]domain.SaleRecord)}
}

func (l *SalesLedger) Append(ctx context.Context, sale *domain.SaleRecord) (string, error) {
	if sale == nil {
		return "", fmt.Errorf("memory: append sale: nil record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := *sale
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	rec.Items = sale.Items.Clone()

	l.sales[rec.ID] = rec
	l.order = append(l.order, rec.ID)
	return rec.ID, nil
}

func (l *SalesLedger) Get(ctx context.Context, id string) (*domain.SaleRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.sales[id]
	if !ok {
		return nil, fmt.Errorf("memory: sale %q: %w", id, domain.ErrSaleNotFound)
	}
	rec.Items = rec.Items.Clone()
	return &rec, nil
}

// Len reports how many sales have been appended.
func (l *SalesLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
