package httpx

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

type CheckoutRequest struct {
	Cart          []CartItemDTO   `json:"cart"`
	UserID        string          `json:"user_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// CartItemDTO accepts the till's legacy "id" key as an alias of "product_id".
type CartItemDTO struct {
	ProductID string          `json:"product_id"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Notes     string          `json:"notes,omitempty"`
	Variant   string          `json:"variant,omitempty"`
}

func (r CheckoutRequest) toDomain() domain.CheckoutRequest {
	cart := make(domain.Cart, 0, len(r.Cart))
	for _, it := range r.Cart {
		pid := it.ProductID
		if pid == "" {
			pid = it.ID
		}
		cart = append(cart, domain.CartLine{
			ProductID: pid,
			Name:      it.Name,
			UnitPrice: it.Price,
			Quantity:  it.Quantity,
			Notes:     it.Notes,
			Variant:   it.Variant,
		})
	}
	return domain.CheckoutRequest{
		Cart:          cart,
		UserID:        r.UserID,
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		TotalAmount:   r.TotalAmount,
	}
}

type CheckoutResponse struct {
	Success       bool                 `json:"success"`
	TransactionID string               `json:"transaction_id"`
	CheckoutID    string               `json:"checkout_id"`
	StockUpdates  []domain.StockUpdate `json:"stock_updates"`
}

type ValidationErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

// Inconsistent is set when a compensating write failed and stock is
// understated until an operator corrects it.
type StockErrorResponse struct {
	Error        string             `json:"error"`
	Reason       string             `json:"reason"`
	CheckoutID   string             `json:"checkout_id"`
	Details      []domain.Shortfall `json:"details"`
	Inconsistent bool               `json:"inconsistent,omitempty"`
}

type ErrorResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	CheckoutID   string `json:"checkout_id,omitempty"`
	Inconsistent bool   `json:"inconsistent,omitempty"`
}

type SaleResponse struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CustomerName  *string         `json:"customer_name"`
	CustomerPhone *string         `json:"customer_phone"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Items         domain.Cart     `json:"items"`
	CreatedAt     string          `json:"created_at"`
}

type CheckoutLogEntry struct {
	Status     string          `json:"status"`
	Step       string          `json:"step,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Errors     json.RawMessage `json:"errors"`
	TraceID    string          `json:"trace_id,omitempty"`
	RecordedAt string          `json:"recorded_at"`
}

type CheckoutStatusResponse struct {
	CheckoutID string           `json:"checkout_id"`
	State      string           `json:"state"`
	Last       CheckoutLogEntry `json:"last_entry"`
}

func mapSaleToResponse(s *domain.SaleRecord) SaleResponse {
	return SaleResponse{
		ID:            s.ID,
		UserID:        s.UserID,
		CustomerName:  optional(s.CustomerName),
		CustomerPhone: optional(s.CustomerPhone),
		TotalAmount:   s.TotalAmount,
		Items:         s.Items,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// optional renders absent customer fields as null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
