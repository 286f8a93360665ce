package ports

import (
	"context"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog"
)

// CheckoutService is implemented by *coordinator.Coordinator.
type CheckoutService interface {
	Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.Receipt, error)
}

type SaleReader interface {
	Get(ctx context.Context, id string) (*domain.SaleRecord, error)
}

// CheckoutLogReader serves the audit trail of one checkout attempt.
// Latest returns sagalog.ErrNotFound for an unknown checkout.
type CheckoutLogReader interface {
	List(ctx context.Context, checkoutID string) ([]*sagalog.Entry, error)
	Latest(ctx context.Context, checkoutID string) (*sagalog.Entry, error)
}
