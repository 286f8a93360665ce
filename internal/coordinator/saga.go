package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog"
)

var tracer = otel.Tracer("github.com/jcmexdev/pos-checkout/internal/coordinator")

// Step represents a single unit of work in the saga.
// Each step must have a compensating action to undo its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// CompensationError is a compensating action that failed. The effect of its
// step is still in place.
type CompensationError struct {
	Step string
	Err  error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.Step, e.Err)
}

// StepError is returned by Start when a step fails. Err is the step's own
// failure; Compensation lists rollback writes that failed after it.
type StepError struct {
	Step         string
	Index        int
	Err          error
	Compensation []CompensationError
}

func (e *StepError) Error() string {
	if len(e.Compensation) > 0 {
		return fmt.Sprintf("step %s failed: %v (%d compensations failed)", e.Step, e.Err, len(e.Compensation))
	}
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator manages the execution of a collection of Steps.
type Orchestrator struct {
	sagaID string
	steps  []Step
	log    sagalog.Repository // nil-safe
}

func NewOrchestrator(sagaID string, steps []Step, log sagalog.Repository) *Orchestrator {
	return &Orchestrator{sagaID: sagaID, steps: steps, log: log}
}

// Start runs the steps sequentially. If a step fails, every previously
// successful step is compensated in reverse order before Start returns a
// *StepError.
func (o *Orchestrator) Start(ctx context.Context, payload string) error {
	o.record(ctx, sagalog.StatusStarted, "", payload, nil)

	done := make([]Step, 0, len(o.steps))
	for i, step := range o.steps {
		if err := o.execute(ctx, step); err != nil {
			slog.WarnContext(ctx, "checkout step failed, rolling back",
				"saga_id", o.sagaID, "step", step.Name(), "error", err)
			o.record(ctx, sagalog.StatusStepFailed, step.Name(), "", []string{err.Error()})

			stepErr := &StepError{Step: step.Name(), Index: i, Err: err}
			stepErr.Compensation = o.rollback(ctx, done)

			errs := []string{err.Error()}
			for _, ce := range stepErr.Compensation {
				errs = append(errs, ce.Error())
			}
			o.record(ctx, sagalog.StatusFailed, step.Name(), "", errs)
			return stepErr
		}
		o.record(ctx, sagalog.StatusStepDone, step.Name(), "", nil)
		done = append(done, step)
	}

	o.record(ctx, sagalog.StatusDone, "", "", nil)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, step Step) error {
	ctx, span := tracer.Start(ctx, step.Name())
	defer span.End()

	if err := step.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// rollback compensates steps in LIFO order. It keeps going past failures and
// returns them; the caller's original error is never replaced.
func (o *Orchestrator) rollback(ctx context.Context, steps []Step) []CompensationError {
	if len(steps) == 0 {
		return nil
	}
	// Compensation must run to completion even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	o.record(ctx, sagalog.StatusRollingBack, "", "", nil)

	var failed []CompensationError
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		ctx, span := tracer.Start(ctx, "compensate "+step.Name())
		err := step.Compensate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("checkout.inconsistency", true))
			slog.ErrorContext(ctx, "CRITICAL: compensation failed, ledger left inconsistent",
				"saga_id", o.sagaID, "step", step.Name(), "inconsistency", true, "error", err)
			o.record(ctx, sagalog.StatusCompensationFailed, step.Name(), "", []string{err.Error()})
			failed = append(failed, CompensationError{Step: step.Name(), Err: err})
		} else {
			o.record(ctx, sagalog.StatusCompensated, step.Name(), "", nil)
		}
		span.End()
	}
	return failed
}

// record never fails the saga; a lost log row is only worth a warning.
func (o *Orchestrator) record(ctx context.Context, status sagalog.Status, step, payload string, errs []string) {
	if o.log == nil {
		return
	}
	entry := sagalog.NewEntry(ctx, o.sagaID, status, step, payload, errs)
	if err := o.log.Save(ctx, entry); err != nil {
		slog.WarnContext(ctx, "could not write checkout log", "saga_id", o.sagaID, "status", status, "error", err)
	}
}
