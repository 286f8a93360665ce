// Package sagalog records every state transition of a checkout attempt.
//
// The log is append-only. It lets an operator answer "what happened to
// checkout X" after the fact, including which compensating writes failed,
// and correlate the answer with a distributed trace via trace_id.
package sagalog

import "time"

// Status is the lifecycle state written with each entry.
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusStepDone           Status = "STEP_DONE"
	StatusStepFailed         Status = "STEP_FAILED"
	StatusRollingBack        Status = "ROLLING_BACK"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusDone               Status = "DONE"
	StatusFailed             Status = "FAILED"
)

// Entry is one row of the checkout log.
type Entry struct {
	// SagaID identifies one checkout attempt.
	SagaID string

	Status Status

	// Step is the name of the step the entry is about; empty for
	// attempt-level transitions.
	Step string

	// Payload is the JSON request that started the attempt. Only the
	// STARTED entry carries it.
	Payload string

	// Errors holds a JSON array of failure messages.
	Errors string

	TraceID string
	SpanID  string

	RecordedAt time.Time
}
