package coordinator

import (
	"fmt"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

// FailureReason is the machine-readable classification of a failed checkout.
type FailureReason string

const (
	ReasonInsufficientStock FailureReason = "insufficient_stock"
	ReasonProductNotFound   FailureReason = "product_not_found"
	ReasonStockConflict     FailureReason = "stock_conflict"
	ReasonSaleInsertFailed  FailureReason = "sale_insert_failed"
	ReasonStorageError      FailureReason = "storage_error"
)

const (
	MsgInsufficientStock = "Insufficient stock"
	MsgProductNotFound   = "Product not found"
	MsgStockConflict     = "Stock changed during checkout, please retry"
	MsgSaleInsertFailed  = "Failed to record sale"
	MsgStorageError      = "Stock ledger unavailable"
)

// IsStockFailure reports whether the reason is caused by the cart contents
// rather than by the ledgers.
func (r FailureReason) IsStockFailure() bool {
	return r == ReasonInsufficientStock || r == ReasonProductNotFound
}

// CheckoutError is the single failure value returned by Checkout once the
// request passed validation. By the time it is returned every reserved line
// has been compensated, except those listed in RollbackFailures.
type CheckoutError struct {
	CheckoutID string
	Reason     FailureReason
	Message    string

	// Details lists every cart line that cannot be fulfilled. It is only
	// populated for stock failures.
	Details []domain.Shortfall

	Cause            error
	RollbackFailures []CompensationError
}

func (e *CheckoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("checkout %s: %s: %v", e.CheckoutID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("checkout %s: %s", e.CheckoutID, e.Reason)
}

func (e *CheckoutError) Unwrap() error { return e.Cause }

// Inconsistent reports whether a compensating write failed, leaving stock
// understated.
func (e *CheckoutError) Inconsistent() bool { return len(e.RollbackFailures) > 0 }
