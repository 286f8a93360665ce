package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/pos-checkout/internal/checkout/domain"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
)

// OutcomeKind classifies what happened to one cart line.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeReserved
	OutcomeNotFound
	OutcomeInsufficient
	// OutcomeConflict means stock would have covered the line but concurrent
	// writers won every attempt.
	OutcomeConflict
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReserved:
		return "reserved"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeConflict:
		return "conflict"
	default:
		return "pending"
	}
}

// Outcome is the reservation result for one line. OldQty/NewQty are set for
// OutcomeReserved, Available for OutcomeInsufficient.
type Outcome struct {
	Kind        OutcomeKind
	ProductName string
	Requested   int
	OldQty      int
	NewQty      int
	Available   int
}

// --- ReserveStockStep ---

type ReserveStockStep struct {
	ledger      ports.StockLedger
	line        domain.CartLine
	maxAttempts int

	outcome Outcome
	retries int
}

func NewReserveStockStep(ledger ports.StockLedger, line domain.CartLine, maxAttempts int) *ReserveStockStep {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ReserveStockStep{
		ledger:      ledger,
		line:        line,
		maxAttempts: maxAttempts,
		outcome:     Outcome{Requested: line.Quantity, ProductName: line.Name},
	}
}

func (s *ReserveStockStep) Name() string { return "reserve_stock:" + s.line.ProductID }

func (s *ReserveStockStep) Outcome() Outcome { return s.outcome }

// Retries reports how many write conflicts were retried.
func (s *ReserveStockStep) Retries() int { return s.retries }

// Execute reads the current quantity and writes the decrement conditioned on
// that read. A concurrent writer makes the write fail; the step then re-reads
// and tries again, up to maxAttempts.
func (s *ReserveStockStep) Execute(ctx context.Context) error {
	pid, qty := s.line.ProductID, s.line.Quantity

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.ledger.Get(ctx, pid)
		if errors.Is(err, domain.ErrProductNotFound) {
			s.outcome.Kind = OutcomeNotFound
			return fmt.Errorf("reserve %s: %w", pid, err)
		}
		if err != nil {
			return fmt.Errorf("reserve %s: read stock: %w", pid, err)
		}
		if rec.Name != "" {
			s.outcome.ProductName = rec.Name
		}

		if rec.OnHand < qty {
			s.outcome.Kind = OutcomeInsufficient
			s.outcome.Available = rec.OnHand
			return fmt.Errorf("reserve %s: available %d, requested %d: %w", pid, rec.OnHand, qty, domain.ErrInsufficientStock)
		}

		updated, err := s.ledger.ApplyDelta(ctx, pid, -qty, rec.OnHand)
		switch {
		case err == nil:
			s.outcome.Kind = OutcomeReserved
			s.outcome.OldQty = rec.OnHand
			s.outcome.NewQty = updated.OnHand
			return nil
		case errors.Is(err, domain.ErrWriteConflict), errors.Is(err, domain.ErrNegativeStock):
			lastErr = err
			s.outcome.Available = rec.OnHand
			if attempt < s.maxAttempts {
				s.retries++
			}
		case errors.Is(err, domain.ErrProductNotFound):
			s.outcome.Kind = OutcomeNotFound
			return fmt.Errorf("reserve %s: %w", pid, err)
		default:
			return fmt.Errorf("reserve %s: write stock: %w", pid, err)
		}
	}

	// Report what is on hand now, not what the last lost attempt read.
	rec, err := s.ledger.Get(ctx, pid)
	if err != nil {
		return fmt.Errorf("reserve %s: re-read after %d attempts: %w", pid, s.maxAttempts, err)
	}
	s.outcome.Available = rec.OnHand
	if rec.OnHand < qty {
		s.outcome.Kind = OutcomeInsufficient
		return fmt.Errorf("reserve %s: available %d, requested %d: %w (%w)", pid, rec.OnHand, qty, domain.ErrInsufficientStock, lastErr)
	}
	s.outcome.Kind = OutcomeConflict
	return fmt.Errorf("reserve %s: gave up after %d attempts: %w", pid, s.maxAttempts, lastErr)
}

// Compensate gives the reserved quantity back. It adds rather than writing
// OldQty so a decrement made by another checkout in between is preserved.
func (s *ReserveStockStep) Compensate(ctx context.Context) error {
	if s.outcome.Kind != OutcomeReserved {
		return nil
	}
	if _, err := s.ledger.ApplyDelta(ctx, s.line.ProductID, s.line.Quantity, ports.AnyOnHand); err != nil {
		return fmt.Errorf("release %d of %s: %w", s.line.Quantity, s.line.ProductID, err)
	}
	return nil
}

// --- RecordSaleStep ---

type RecordSaleStep struct {
	ledger ports.SalesLedger
	sale   *domain.SaleRecord
	saleID string
}

func NewRecordSaleStep(ledger ports.SalesLedger, sale *domain.SaleRecord) *RecordSaleStep {
	return &RecordSaleStep{ledger: ledger, sale: sale}
}

func (s *RecordSaleStep) Name() string { return "record_sale" }

func (s *RecordSaleStep) SaleID() string { return s.saleID }

func (s *RecordSaleStep) Execute(ctx context.Context) error {
	id, err := s.ledger.Append(ctx, s.sale)
	if err != nil {
		return fmt.Errorf("record sale: %w", err)
	}
	s.saleID = id
	return nil
}

// Compensate is a no-op: the sales ledger is append-only and this is the last
// step, so a written sale is never undone.
func (s *RecordSaleStep) Compensate(ctx context.Context) error {
	return nil
}
