package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/scriptcore/pkg/classify"
)

// Runtime opens sessions against the embedded scripting runtime.
type Runtime interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one live, stateful, single-threaded runtime context. The
// engine never calls a Session from more than one goroutine at a time.
type Session interface {
	// Version reports the runtime version.
	Version() string

	// HasModule reports whether an extension module is installed.
	HasModule(name string) bool

	// ImportModule loads an installed module into the session.
	ImportModule(ctx context.Context, name string) error

	// Invoke runs script with named parameters, streaming events to sink
	// in the order they are produced. It returns when the script completes
	// or stops early because ctx was cancelled. A non-nil error is an
	// exception raised by the runtime itself; failures reported by the
	// script go to sink.Error instead.
	Invoke(ctx context.Context, script string, params map[string]any, sink Sink) error

	// Close releases the session.
	Close() error
}

// Sink receives the streams produced by one invocation.
type Sink interface {
	Output(v any)
	Verbose(msg string)
	Warning(msg string)
	Error(rec ErrorRecord)
}

// Runtime exception kinds. Session.Invoke returns errors wrapping these
// sentinels; any other error is a generic runtime exception.
var (
	// ErrInvalidOperation is raised when the runtime refuses the call in
	// its current state. The session itself is still usable.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidSessionState is raised when the session can no longer run
	// commands and must be rebuilt.
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrDisposed is reported for calls made after Dispose.
	ErrDisposed = errors.New("execution engine disposed")
)

// Exception kind names recorded on results.
const (
	ExceptionInvalidOperation    = "InvalidOperation"
	ExceptionInvalidSessionState = "InvalidSessionState"
	ExceptionRuntime             = "RuntimeException"
	ExceptionDisposed            = "ObjectDisposed"
	ExceptionTimeout             = "TimeoutException"
)

// RuntimeError is a generic runtime exception with an optional kind, for
// runtimes that can name what went wrong (for example "SocketException").
type RuntimeError struct {
	Kind string
	Err  error
}

// NewRuntimeError wraps err as a runtime exception of the given kind.
func NewRuntimeError(kind string, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Signals exposes the exception to the classifier.
func (e *RuntimeError) Signals() classify.Signals {
	return classify.Signals{Message: e.Error(), ExceptionKind: e.Kind}
}

// ErrorRecord is a structured, non-terminating failure reported by a
// script.
type ErrorRecord struct {
	// Message is the failure text.
	Message string `json:"message"`

	// ErrorID is the structured identifier, if any.
	ErrorID string `json:"error_id,omitempty"`

	// Category is the runtime's category hint.
	Category classify.Category `json:"category,omitempty"`

	// ExceptionKind names the underlying exception type, if any.
	ExceptionKind string `json:"exception_kind,omitempty"`
}

// Error implements the error interface.
func (r *ErrorRecord) Error() string {
	if r.ErrorID == "" {
		return r.Message
	}
	return fmt.Sprintf("%s (%s)", r.Message, r.ErrorID)
}

// Signals exposes the record to the classifier.
func (r *ErrorRecord) Signals() classify.Signals {
	return classify.Signals{
		Message:       r.Message,
		ErrorID:       r.ErrorID,
		ExceptionKind: r.ExceptionKind,
		Category:      r.Category,
	}
}

// Normalize classifies the record.
func (r ErrorRecord) Normalize() classify.NormalizedError {
	return classify.ClassifySignals(r.Signals())
}

// exceptionKind names the exception class of err.
func exceptionKind(err error) string {
	var re *RuntimeError
	switch {
	case errors.Is(err, ErrInvalidSessionState):
		return ExceptionInvalidSessionState
	case errors.Is(err, ErrInvalidOperation):
		return ExceptionInvalidOperation
	case errors.As(err, &re) && re.Kind != "":
		return re.Kind
	default:
		return ExceptionRuntime
	}
}
