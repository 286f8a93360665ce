package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleRecord is immutable once appended to the sales ledger.
type SaleRecord struct {
	ID            string
	UserID        string
	CustomerName  string
	CustomerPhone string
	TotalAmount   decimal.Decimal
	Items         Cart
	CreatedAt     time.Time
}

// Receipt is what a successful checkout hands back to the caller.
type Receipt struct {
	CheckoutID   string
	SaleID       string
	StockUpdates []StockUpdate
}
