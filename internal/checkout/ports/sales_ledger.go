package ports

import (
	"context"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

// SalesLedger is append-only. Append assigns the sale id and creation time.
type SalesLedger interface {
	Append(ctx context.Context, sale *domain.SaleRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.SaleRecord, error)
}
