// Package validator checks a checkout request before any ledger is touched.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
)

const (
	MaxCustomerNameLen  = 100
	MaxCustomerPhoneLen = 20
	MaxNotesLen         = 200
	MaxVariantLen       = 50

	// MaxAmountScale and maxAmount match the sales ledger's NUMERIC(14, 2)
	// total, so an accepted total is stored exactly on every backend.
	MaxAmountScale = 2

	MsgCartEmpty      = "Cart is empty or invalid"
	MsgUserIDRequired = "User ID is required"
)

var (
	phonePattern = regexp.MustCompile(`^[0-9+\-\s()]+$`)
	maxAmount    = decimal.New(1, 12)
)

// ValidationError names the first rule a request violates.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ValidatedCart is a normalised request that passed every rule.
type ValidatedCart struct {
	Request domain.CheckoutRequest

	// LineTotal is the sum of the line subtotals. The declared total stays
	// authoritative; TotalMismatch only flags the difference.
	LineTotal     decimal.Decimal
	TotalMismatch bool
}

// Validate returns the normalised cart or a *ValidationError for the first
// violated rule. Optional customer fields are trimmed; empty means absent.
func Validate(req domain.CheckoutRequest) (*ValidatedCart, error) {
	if len(req.Cart) == 0 {
		return nil, invalid("cart", MsgCartEmpty)
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, invalid("user_id", MsgUserIDRequired)
	}

	if req.TotalAmount.IsNegative() {
		return nil, invalid("total_amount", "Total amount cannot be negative")
	}
	if !req.TotalAmount.Equal(req.TotalAmount.Truncate(MaxAmountScale)) {
		return nil, invalid("total_amount", fmt.Sprintf("Total amount must have at most %d decimal places", MaxAmountScale))
	}
	if req.TotalAmount.Cmp(maxAmount) >= 0 {
		return nil, invalid("total_amount", "Total amount is too large")
	}

	name := strings.TrimSpace(req.CustomerName)
	if utf8.RuneCountInString(name) > MaxCustomerNameLen {
		return nil, invalid("customer_name", fmt.Sprintf("Customer name must be at most %d characters", MaxCustomerNameLen))
	}

	phone := strings.TrimSpace(req.CustomerPhone)
	if phone != "" {
		if !phonePattern.MatchString(phone) {
			return nil, invalid("customer_phone", "Customer phone number is invalid")
		}
		if utf8.RuneCountInString(phone) > MaxCustomerPhoneLen {
			return nil, invalid("customer_phone", fmt.Sprintf("Customer phone must be at most %d characters", MaxCustomerPhoneLen))
		}
	}

	lines := req.Cart.Clone()
	for i := range lines {
		if err := validateLine(i, &lines[i]); err != nil {
			return nil, err
		}
	}

	lineTotal := lines.Total()
	return &ValidatedCart{
		Request: domain.CheckoutRequest{
			Cart:          lines,
			UserID:        userID,
			CustomerName:  name,
			CustomerPhone: phone,
			TotalAmount:   req.TotalAmount,
		},
		LineTotal:     lineTotal,
		TotalMismatch: !lineTotal.Equal(req.TotalAmount),
	}, nil
}

func validateLine(i int, l *domain.CartLine) error {
	field := func(name string) string { return fmt.Sprintf("cart[%d].%s", i, name) }

	l.ProductID = strings.TrimSpace(l.ProductID)
	if l.ProductID == "" {
		return invalid(field("product_id"), "Product ID is required")
	}
	if l.Quantity < 1 {
		return invalid(field("quantity"), "Quantity must be a positive integer")
	}
	if l.UnitPrice.IsNegative() {
		return invalid(field("price"), "Price cannot be negative")
	}
	if utf8.RuneCountInString(l.Notes) > MaxNotesLen {
		return invalid(field("notes"), fmt.Sprintf("Notes must be at most %d characters", MaxNotesLen))
	}
	if utf8.RuneCountInString(l.Variant) > MaxVariantLen {
		return invalid(field("variant"), fmt.Sprintf("Variant must be at most %d characters", MaxVariantLen))
	}
	return nil
}
