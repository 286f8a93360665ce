// Package events announces committed sales to downstream collaborators
// (receipt printing, reporting). Publishing happens after the sale is
// committed and never changes the checkout result.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

const SaleCompletedType = "sale.completed"

type SaleCompleted struct {
	EventID      string               `json:"event_id"`
	Type         string               `json:"type"`
	OccurredAt   time.Time            `json:"occurred_at"`
	SaleID       string               `json:"sale_id"`
	UserID       string               `json:"user_id"`
	TotalAmount  decimal.Decimal      `json:"total_amount"`
	Items        domain.Cart          `json:"items"`
	StockUpdates []domain.StockUpdate `json:"stock_updates"`
}

func NewSaleCompleted(req domain.CheckoutRequest, receipt *domain.Receipt) SaleCompleted {
	return SaleCompleted{
		EventID:      uuid.NewString(),
		Type:         SaleCompletedType,
		OccurredAt:   time.Now().UTC(),
		SaleID:       receipt.SaleID,
		UserID:       req.UserID,
		TotalAmount:  req.TotalAmount,
		Items:        req.Cart.Clone(),
		StockUpdates: receipt.StockUpdates,
	}
}

type Publisher interface {
	PublishSaleCompleted(ctx context.Context, ev SaleCompleted) error
	Close() error
}

// Noop discards events; used when EVENTS_DRIVER is "none".
type Noop struct{}

func (Noop) PublishSaleCompleted(context.Context, SaleCompleted) error { return nil }

func (Noop) Close() error { return nil }
