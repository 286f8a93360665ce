package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
	"github.com/jcmexdev/pos-checkout/internal/checkout/validator"
	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog"
	"github.com/jcmexdev/pos-checkout/internal/pkg/metrics"
)

const DefaultMaxReserveAttempts = 3

// Coordinator turns a cart into a committed sale across the stock and sales
// ledgers, compensating reserved stock when any step fails.
type Coordinator struct {
	stock       ports.StockLedger
	sales       ports.SalesLedger
	log         sagalog.Repository
	metrics     *metrics.Checkout
	maxAttempts int
}

type Option func(*Coordinator)

// WithCheckoutLog records every state transition of each attempt.
func WithCheckoutLog(repo sagalog.Repository) Option {
	return func(c *Coordinator) { c.log = repo }
}

func WithMetrics(m *metrics.Checkout) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMaxReserveAttempts bounds the reads and conditional writes made for one
// cart line when concurrent checkouts keep changing its stock.
func WithMaxReserveAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func New(stock ports.StockLedger, sales ports.SalesLedger, opts ...Option) *Coordinator {
	c := &Coordinator{
		stock:       stock,
		sales:       sales,
		maxAttempts: DefaultMaxReserveAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type checkoutPayload struct {
	UserID        string          `json:"user_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Cart          domain.Cart     `json:"cart"`
}

// Checkout validates req, reserves stock for every line in cart order and
// appends the sale. It returns a *validator.ValidationError when the request
// is malformed and a *CheckoutError for every other failure.
func (c *Coordinator) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.Receipt, error) {
	start := time.Now()
	checkoutID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.String("checkout.id", checkoutID),
		attribute.Int("checkout.lines", len(req.Cart)),
	))
	defer span.End()

	vc, err := validator.Validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Observe("validation_failed", time.Since(start))
		return nil, err
	}
	if vc.TotalMismatch {
		slog.WarnContext(ctx, "declared total differs from line subtotals",
			"checkout_id", checkoutID,
			"total_amount", vc.Request.TotalAmount.String(),
			"line_total", vc.LineTotal.String())
	}
	valid := vc.Request

	reserves := make([]*ReserveStockStep, 0, len(valid.Cart))
	steps := make([]Step, 0, len(valid.Cart)+1)
	for _, line := range valid.Cart {
		rs := NewReserveStockStep(c.stock, line, c.maxAttempts)
		reserves = append(reserves, rs)
		steps = append(steps, rs)
	}
	record := NewRecordSaleStep(c.sales, &domain.SaleRecord{
		UserID:        valid.UserID,
		CustomerName:  valid.CustomerName,
		CustomerPhone: valid.CustomerPhone,
		TotalAmount:   valid.TotalAmount,
		Items:         valid.Cart.Clone(),
	})
	steps = append(steps, record)

	payload, err := json.Marshal(checkoutPayload{
		UserID:        valid.UserID,
		CustomerName:  valid.CustomerName,
		CustomerPhone: valid.CustomerPhone,
		TotalAmount:   valid.TotalAmount,
		Cart:          valid.Cart,
	})
	if err != nil {
		// Only the STARTED log entry loses its payload.
		slog.WarnContext(ctx, "encode checkout log payload", "checkout_id", checkoutID, "error", err)
		payload = nil
	}

	runErr := NewOrchestrator(checkoutID, steps, c.log).Start(ctx, string(payload))

	retries := 0
	for _, rs := range reserves {
		retries += rs.Retries()
	}
	c.metrics.AddRetries(retries)

	if runErr == nil {
		receipt := &domain.Receipt{
			CheckoutID:   checkoutID,
			SaleID:       record.SaleID(),
			StockUpdates: make([]domain.StockUpdate, 0, len(reserves)),
		}
		for _, rs := range reserves {
			o := rs.Outcome()
			receipt.StockUpdates = append(receipt.StockUpdates, domain.StockUpdate{
				ProductID: rs.line.ProductID,
				OldStock:  o.OldQty,
				NewStock:  o.NewQty,
			})
		}
		span.SetAttributes(attribute.String("sale.id", receipt.SaleID))
		c.metrics.Observe("success", time.Since(start))
		slog.InfoContext(ctx, "checkout completed",
			"checkout_id", checkoutID, "sale_id", receipt.SaleID, "lines", len(reserves))
		return receipt, nil
	}

	cerr := c.classify(ctx, checkoutID, runErr, reserves)
	span.RecordError(runErr)
	span.SetStatus(codes.Error, string(cerr.Reason))
	c.metrics.Observe(string(cerr.Reason), time.Since(start))
	c.metrics.AddRollbackFailures(len(cerr.RollbackFailures))
	slog.WarnContext(ctx, "checkout failed",
		"checkout_id", checkoutID, "reason", cerr.Reason, "error", runErr,
		"rollback_failures", len(cerr.RollbackFailures))
	return nil, cerr
}

func (c *Coordinator) classify(ctx context.Context, checkoutID string, runErr error, reserves []*ReserveStockStep) *CheckoutError {
	cerr := &CheckoutError{CheckoutID: checkoutID, Cause: runErr}

	var stepErr *StepError
	if !errors.As(runErr, &stepErr) {
		cerr.Reason, cerr.Message = ReasonStorageError, MsgStorageError
		return cerr
	}
	cerr.RollbackFailures = stepErr.Compensation

	if stepErr.Index >= len(reserves) {
		cerr.Reason, cerr.Message = ReasonSaleInsertFailed, MsgSaleInsertFailed
		return cerr
	}

	failed := reserves[stepErr.Index]
	switch failed.Outcome().Kind {
	case OutcomeNotFound:
		cerr.Reason, cerr.Message = ReasonProductNotFound, MsgProductNotFound
	case OutcomeInsufficient:
		cerr.Reason, cerr.Message = ReasonInsufficientStock, MsgInsufficientStock
	case OutcomeConflict:
		cerr.Reason, cerr.Message = ReasonStockConflict, MsgStockConflict
		return cerr
	default:
		cerr.Reason, cerr.Message = ReasonStorageError, MsgStorageError
		return cerr
	}

	cerr.Details = append(cerr.Details, shortfall(failed.line, failed.Outcome()))
	ctx = context.WithoutCancel(ctx)
	for _, rs := range reserves[stepErr.Index+1:] {
		if sf, ok := c.inspect(ctx, rs.line); ok {
			cerr.Details = append(cerr.Details, sf)
		}
	}
	return cerr
}

// inspect reports whether line could not be fulfilled from current stock. It
// only reads the ledger.
func (c *Coordinator) inspect(ctx context.Context, line domain.CartLine) (domain.Shortfall, bool) {
	rec, err := c.stock.Get(ctx, line.ProductID)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return shortfall(line, Outcome{Kind: OutcomeNotFound}), true
	case err != nil:
		slog.WarnContext(ctx, "could not inspect cart line", "product_id", line.ProductID, "error", err)
		return domain.Shortfall{}, false
	case rec.OnHand < line.Quantity:
		return shortfall(line, Outcome{Kind: OutcomeInsufficient, ProductName: rec.Name, Available: rec.OnHand}), true
	}
	return domain.Shortfall{}, false
}

func shortfall(line domain.CartLine, o Outcome) domain.Shortfall {
	sf := domain.Shortfall{
		ProductID:   line.ProductID,
		ProductName: line.Name,
		Requested:   line.Quantity,
	}
	if o.Kind == OutcomeInsufficient {
		sf.Available = o.Available
		if o.ProductName != "" {
			sf.ProductName = o.ProductName
		}
	}
	return sf
}
