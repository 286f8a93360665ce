package ports

import (
	"context"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

// AnyOnHand makes ApplyDelta unconditional.
const AnyOnHand = -1

// StockLedger owns the on-hand quantity of every product. ApplyDelta is the
// only mutation: when expected is not AnyOnHand the write happens only if the
// current quantity still equals expected (domain.ErrWriteConflict otherwise),
// and it never leaves the quantity below zero (domain.ErrNegativeStock).
type StockLedger interface {
	Get(ctx context.Context, productID string) (domain.StockRecord, error)
	ApplyDelta(ctx context.Context, productID string, delta, expected int) (domain.StockRecord, error)
}
