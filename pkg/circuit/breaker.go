package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/scriptcore/pkg/clock"
)

// Breaker is safe for concurrent use. Its lock is held only while reading
// or updating state, never across the wrapped operation.
type Breaker struct {
	name   string
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger

	mu                sync.Mutex
	state             State
	failures          int
	halfOpenSuccesses int
	openedAt          time.Time
	lastFailureAt     time.Time
	lastStateChange   time.Time

	notify *dispatcher
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger used for transitions and observer failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// New creates a closed breaker.
func New(name string, opts Options, options ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		opts:   opts.withDefaults(),
		clock:  clock.System{},
		logger: zerolog.Nop(),
		state:  StateClosed,
	}
	for _, opt := range options {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "circuit-breaker").Str("breaker", name).Logger()
	b.lastStateChange = b.clock.Now()
	b.notify = newDispatcher(b.logger)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Options returns the effective configuration.
func (b *Breaker) Options() Options {
	return b.opts
}

// State returns the current state, moving Open to HalfOpen first if the
// open duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateStateLocked()
}

// CanExecute reports whether a call would be admitted right now.
func (b *Breaker) CanExecute() bool {
	return b.State() != StateOpen
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.updateStateLocked() {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.opts.SuccessThresholdInHalfOpen {
			b.transitionLocked(StateClosed, ReasonHalfOpenRecovered)
		}
	}
}

// RecordFailure records a failed call. Failures reported while the breaker
// is open are ignored.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.updateStateLocked() {
	case StateClosed:
		b.lastFailureAt = now
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.transitionLocked(StateOpen, ReasonThresholdReached)
		}
	case StateHalfOpen:
		b.lastFailureAt = now
		b.transitionLocked(StateOpen, ReasonHalfOpenFailure)
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionLocked(StateClosed, ReasonManualReset)
		return
	}
	b.failures = 0
	b.halfOpenSuccesses = 0
}

// Snapshot returns diagnostics for the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.updateStateLocked()
	return Snapshot{
		Name:              b.name,
		State:             state,
		StateName:         state.String(),
		FailureCount:      b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		OpenedAt:          b.openedAt,
		LastFailureAt:     b.lastFailureAt,
		LastStateChange:   b.lastStateChange,
		RemainingOpenTime: b.remainingLocked(),
	}
}

// Do runs op through the breaker. See Execute.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op if the breaker admits it and records the outcome. When
// the breaker is open op is not called and the error is an *OpenError.
// A cancelled call is recorded as neither success nor failure.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}

	v, err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case isCancellation(ctx, err):
		b.logger.Debug().Err(err).Msg("Call cancelled, outcome not recorded")
	default:
		b.RecordFailure()
	}
	return v, err
}

// Subscribe registers an observer for state changes and returns a function
// that removes it. Observers run on a dedicated goroutine in transition
// order; their errors and panics are logged and never reach the breaker.
func (b *Breaker) Subscribe(o Observer) (unsubscribe func()) {
	return b.notify.subscribe(o)
}

// Close stops observer delivery. Transitions after Close are not delivered.
func (b *Breaker) Close() {
	b.notify.close()
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.updateStateLocked() == StateOpen {
		return &OpenError{Name: b.name, RemainingOpenTime: b.remainingLocked()}
	}
	return nil
}

func (b *Breaker) updateStateLocked() State {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.opts.OpenDuration {
		b.transitionLocked(StateHalfOpen, ReasonOpenElapsed)
	}
	return b.state
}

func (b *Breaker) remainingLocked() time.Duration {
	if b.state != StateOpen {
		return 0
	}
	remaining := b.opts.OpenDuration - b.clock.Now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	now := b.clock.Now()

	b.state = to
	b.lastStateChange = now
	switch to {
	case StateClosed:
		b.failures = 0
		b.halfOpenSuccesses = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.openedAt = now
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}

	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Circuit breaker state changed")

	b.notify.publish(StateChange{
		Breaker:  b.name,
		Previous: from,
		State:    to,
		Reason:   reason,
		At:       now,
	})
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
