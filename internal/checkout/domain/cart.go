package domain

import "github.com/shopspring/decimal"

// CartLine is one product line of a cart as submitted by the till.
type CartLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Notes     string          `json:"notes,omitempty"`
	Variant   string          `json:"variant,omitempty"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Cart []CartLine

// Total sums the line subtotals. Checkout never uses it in place of the
// declared total; it only serves to flag a mismatch.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Clone returns a copy that does not share the backing array, so a sale
// snapshot cannot be altered through the caller's cart.
func (c Cart) Clone() Cart {
	if c == nil {
		return nil
	}
	out := make(Cart, len(c))
	copy(out, c)
	return out
}

type CheckoutRequest struct {
	Cart          Cart
	UserID        string
	CustomerName  string
	CustomerPhone string
	TotalAmount   decimal.Decimal
}
