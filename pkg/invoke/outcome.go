package invoke

import (
	"context"
	"time"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/policy"
	"github.com/openfroyo/scriptcore/pkg/session"
	"github.com/openfroyo/scriptcore/pkg/stores"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// Outcome is the final result of one Run.
//
// Exactly one of Success, WasCancelled and Error != nil holds. Error is
// always the classified form; raw runtime detail stays on Result.
type Outcome struct {
	// ExecutionID identifies the run across every attempt.
	ExecutionID string `json:"execution_id"`

	// Success is true when an attempt completed without errors.
	Success bool `json:"success"`

	// Status is the journal status of the run.
	Status stores.ExecutionStatus `json:"status"`

	// Result is the last attempt's engine result. Nil when no attempt
	// reached the engine.
	Result *session.Result `json:"result,omitempty"`

	// Error is the classified failure.
	Error *classify.NormalizedError `json:"error,omitempty"`

	// Attempts is the number of engine executions made.
	Attempts int `json:"attempts"`

	// Duration covers admission, every attempt and every backoff wait.
	Duration time.Duration `json:"duration"`

	// WasCancelled is true when the caller cancelled the run. An expired
	// deadline is a Timeout failure instead.
	WasCancelled bool `json:"was_cancelled"`

	// SessionCorrupted is true when the last attempt left the session
	// unusable.
	SessionCorrupted bool `json:"session_corrupted"`

	// Decision is the admission decision, nil when admission is disabled.
	Decision *policy.Decision `json:"decision,omitempty"`
}

// Err returns the classified error, context.Canceled for a cancelled run,
// or nil on success.
func (o *Outcome) Err() error {
	switch {
	case o.Success:
		return nil
	case o.WasCancelled:
		return context.Canceled
	case o.Error != nil:
		return o.Error
	default:
		return nil
	}
}

func (o *Outcome) metricOutcome() string {
	switch o.Status {
	case stores.ExecutionStatusSucceeded:
		return telemetry.OutcomeSuccess
	case stores.ExecutionStatusCancelled:
		return telemetry.OutcomeCancelled
	case stores.ExecutionStatusRejected:
		return telemetry.OutcomeCircuitOpen
	case stores.ExecutionStatusDenied:
		return telemetry.OutcomeDenied
	default:
		return telemetry.OutcomeFailed
	}
}
