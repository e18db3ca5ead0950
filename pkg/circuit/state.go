// Package circuit implements a consecutive-failure circuit breaker that
// fast-fails calls to an unhealthy dependency.
//
// A Breaker starts Closed. FailureThreshold consecutive failures open it;
// after OpenDuration it becomes HalfOpen on the next state query, where
// SuccessThresholdInHalfOpen consecutive successes close it again and a
// single failure reopens it. The breaker only sees success or failure; it
// knows nothing about error codes, so one breaker can guard several call
// sites that share a dependency.
package circuit

import (
	"errors"
	"fmt"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Breaker. Non-positive fields take the defaults.
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration"`

	// SuccessThresholdInHalfOpen is the number of consecutive successes
	// needed to close a half-open breaker.
	SuccessThresholdInHalfOpen int `yaml:"success_threshold_in_half_open" json:"success_threshold_in_half_open"`
}

// DefaultOptions returns the stock configuration: 5 failures, 30s open, 2
// half-open successes.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:           5,
		OpenDuration:               30 * time.Second,
		SuccessThresholdInHalfOpen: 2,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = def.OpenDuration
	}
	if o.SuccessThresholdInHalfOpen <= 0 {
		o.SuccessThresholdInHalfOpen = def.SuccessThresholdInHalfOpen
	}
	return o
}

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned instead of invoking an operation while the breaker
// is open.
type OpenError struct {
	// Name identifies the breaker.
	Name string

	// RemainingOpenTime is how long until the breaker will admit a probe.
	RemainingOpenTime time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RemainingOpenTime)
}

// Is makes errors.Is(err, ErrOpen) true.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Snapshot is a point-in-time view of a breaker for diagnostics.
type Snapshot struct {
	Name              string        `json:"name"`
	State             State         `json:"-"`
	StateName         string        `json:"state"`
	FailureCount      int           `json:"failure_count"`
	HalfOpenSuccesses int           `json:"half_open_successes"`
	OpenedAt          time.Time     `json:"opened_at,omitempty"`
	LastFailureAt     time.Time     `json:"last_failure_at,omitempty"`
	LastStateChange   time.Time     `json:"last_state_change"`
	RemainingOpenTime time.Duration `json:"remaining_open_time"`
}

// StateChange describes one transition, as delivered to observers.
type StateChange struct {
	Breaker  string
	Previous State
	State    State
	Reason   string
	At       time.Time
}

// Transition reasons.
const (
	ReasonThresholdReached  = "failure threshold reached"
	ReasonOpenElapsed       = "open duration elapsed"
	ReasonHalfOpenFailure   = "failure while half-open"
	ReasonHalfOpenRecovered = "half-open success threshold reached"
	ReasonManualReset       = "manual reset"
)
