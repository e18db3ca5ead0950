// Package retry runs an operation repeatedly while its failures classify
// as transient, waiting between attempts with a jittered backoff that never
// undercuts a server-provided retry-after hint.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/clock"
)

// Options configures a Policy.
type Options struct {
	// MaxRetries is the total number of attempts, including the first.
	// Values below 1 mean a single attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BaseDelay is the minimum wait between attempts.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps every wait.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// BackoffFactor is the exponential growth factor when decorrelated
	// jitter is off.
	BackoffFactor float64 `yaml:"backoff_factor" json:"backoff_factor"`

	// UseDecorrelatedJitter selects decorrelated jitter over exponential
	// backoff with symmetric jitter.
	UseDecorrelatedJitter bool `yaml:"use_decorrelated_jitter" json:"use_decorrelated_jitter"`

	// MaxJitterFraction bounds the symmetric jitter of exponential backoff.
	MaxJitterFraction float64 `yaml:"max_jitter_fraction" json:"max_jitter_fraction"`
}

// DefaultOptions returns 3 attempts, 1s base, 30s cap, factor 2,
// decorrelated jitter on and 20% symmetric jitter.
func DefaultOptions() Options {
	return Options{
		MaxRetries:            3,
		BaseDelay:             time.Second,
		MaxDelay:              30 * time.Second,
		BackoffFactor:         2.0,
		UseDecorrelatedJitter: true,
		MaxJitterFraction:     0.2,
	}
}

func (o Options) normalized() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.MaxDelay < 0 {
		o.MaxDelay = 0
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 1
	}
	if o.MaxJitterFraction < 0 {
		o.MaxJitterFraction = 0
	}
	if o.MaxJitterFraction > 1 {
		o.MaxJitterFraction = 1
	}
	return o
}

// Attempt describes one failed attempt, reported to an observer.
type Attempt struct {
	// Number is 1 for the first attempt.
	Number int

	// Error is the classified failure.
	Error classify.NormalizedError

	// Delay is the wait before the next attempt. Zero when Final.
	Delay time.Duration

	// Final is true when no further attempt will be made.
	Final bool
}

// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	opts     Options
	clock    clock.Clock
	classify classify.Func
	random   func() float64
	logger   zerolog.Logger
	observer func(Attempt)
}

// Option customizes a Policy.
type Option func(*Policy)

// WithClock sets the time source used for waits and durations.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithClassifier replaces classify.FromError.
func WithClassifier(fn classify.Func) Option {
	return func(p *Policy) {
		if fn != nil {
			p.classify = fn
		}
	}
}

// WithRandom sets the source of jitter. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.random = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = l
	}
}

// WithObserver registers a callback invoked synchronously after every
// failed attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(p *Policy) {
		p.observer = fn
	}
}

// New creates a policy.
func New(opts Options, options ...Option) *Policy {
	p := &Policy{
		opts:     opts.normalized(),
		clock:    clock.System{},
		classify: classify.FromError,
		random:   rand.Float64,
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "retry").Logger()
	return p
}

// Options returns the effective configuration.
func (p *Policy) Options() Options {
	return p.opts
}

// Delay computes the wait after a failed attempt. previous is the delay
// chosen after the prior attempt (BaseDelay before the first retry) and
// retryAfter is the server hint, zero if none. The result is floored at
// retryAfter, then capped at MaxDelay and clamped to non-negative, so the
// cap wins when the hint exceeds MaxDelay.
func (p *Policy) Delay(attempt int, previous, retryAfter time.Duration) time.Duration {
	o := p.opts
	base := float64(o.BaseDelay)
	maxDelay := float64(o.MaxDelay)

	var d float64
	if o.UseDecorrelatedJitter {
		upper := math.Min(maxDelay, float64(previous)*3)
		if upper < base {
			upper = base
		}
		d = base + p.random()*(upper-base)
	} else {
		if attempt < 1 {
			attempt = 1
		}
		d = base * math.Pow(o.BackoffFactor, float64(attempt-1))
		if d > maxDelay {
			d = maxDelay
		}
		d += d * o.MaxJitterFraction * (2*p.random() - 1)
	}

	if d > maxDelay {
		d = maxDelay
	}
	delay := time.Duration(d)
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > o.MaxDelay {
		delay = o.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}
