package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/scriptcore/pkg/classify"
)

// State is the lifecycle state of the owned session.
type State int

const (
	StateUninitialized State = iota
	StateOpened
	StateBroken
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpened:
		return "opened"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InitResult reports the outcome of Initialize.
type InitResult struct {
	Success         bool   `json:"success"`
	RuntimeVersion  string `json:"runtime_version,omitempty"`
	ModuleAvailable bool   `json:"module_available"`
	Error           string `json:"error,omitempty"`
}

// Result is the outcome of one script submission.
//
// WasCancelled and Success are mutually exclusive, and SessionCorrupted is
// only ever set on a failed result.
type Result struct {
	ID               string        `json:"id"`
	Success          bool          `json:"success"`
	Output           []any         `json:"output"`
	Errors           []ErrorRecord `json:"errors,omitempty"`
	Verbose          []string      `json:"verbose,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	WasCancelled     bool          `json:"was_cancelled"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ExceptionKind    string        `json:"exception_kind,omitempty"`
	SessionCorrupted bool          `json:"session_corrupted"`
	Duration         time.Duration `json:"duration"`
}

// Err converts the result into an error suitable for classification: nil
// on success, context.Canceled when cancelled, the runtime exception when
// one was raised, and otherwise the first error record.
func (r *Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.WasCancelled:
		return context.Canceled
	case r.ErrorMessage != "":
		kind := r.ExceptionKind
		if kind == "" {
			kind = ExceptionRuntime
		}
		return NewRuntimeError(kind, errors.New(r.ErrorMessage))
	case len(r.Errors) > 0:
		rec := r.Errors[0]
		return &rec
	default:
		return errors.New("execution failed")
	}
}

// Normalized classifies the failure. It returns nil on success and on
// cancellation.
func (r *Result) Normalized() *classify.NormalizedError {
	if r.Success || r.WasCancelled {
		return nil
	}
	ne := classify.FromError(r.Err())
	return &ne
}

// Status is a point-in-time view of the engine, readable without waiting
// for the execution queue.
type Status struct {
	State               State  `json:"-"`
	StateName           string `json:"state"`
	Connected           bool   `json:"connected"`
	ModuleAvailable     bool   `json:"module_available"`
	RuntimeVersion      string `json:"runtime_version,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	QueueDepth          int    `json:"queue_depth"`
	Disposed            bool   `json:"disposed"`
}
