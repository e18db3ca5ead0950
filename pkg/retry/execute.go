package retry

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/scriptcore/pkg/classify"
)

// Result is the outcome of a retry session. Exactly one of Success,
// Error != nil and WasCancelled holds.
type Result[T any] struct {
	Success       bool
	Value         T
	Error         *classify.NormalizedError
	Attempts      int
	TotalDuration time.Duration
	WasCancelled  bool
}

// Err returns nil on success, context.Canceled when cancelled, and the
// classified error otherwise.
func (r Result[T]) Err() error {
	switch {
	case r.Success:
		return nil
	case r.WasCancelled:
		return context.Canceled
	case r.Error != nil:
		return r.Error
	default:
		return nil
	}
}

// Execute invokes op until it succeeds, fails with a non-retryable or
// non-transient error, exhausts MaxRetries attempts, or ctx is done.
// Cancellation is terminal and never retried. An expired deadline is a
// failure, not a cancellation.
func Execute[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) Result[T] {
	start := p.clock.Now()
	previous := p.opts.BaseDelay

	var res Result[T]
	finish := func() Result[T] {
		res.TotalDuration = p.clock.Now().Sub(start)
		if res.WasCancelled {
			res.Error = nil
		}
		return res
	}

	// stopped ends the session once ctx is done. An expired deadline fails
	// with the last classified error, or a Timeout when no attempt ran.
	stopped := func() Result[T] {
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.WasCancelled = true
			return finish()
		}
		if res.Error == nil {
			ne := classify.FromError(ctx.Err())
			res.Error = &ne
		}
		return finish()
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return stopped()
		}

		res.Attempts = attempt
		v, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Value = v
			return finish()
		}
		if isCancellation(ctx, err) {
			res.WasCancelled = true
			return finish()
		}

		ne := p.classify(err)
		res.Error = &ne

		if !ne.Retryable() || attempt >= p.opts.MaxRetries || ctx.Err() != nil {
			p.logger.Debug().
				Int("attempt", attempt).
				Str("code", string(ne.Code)).
				Bool("transient", ne.IsTransient).
				Msg("Giving up")
			p.observe(Attempt{Number: attempt, Error: ne, Final: true})
			return finish()
		}

		delay := p.Delay(attempt, previous, ne.RetryAfter)
		previous = delay

		p.logger.Debug().
			Int("attempt", attempt).
			Str("code", string(ne.Code)).
			Dur("delay", delay).
			Msg("Retrying after transient failure")
		p.observe(Attempt{Number: attempt, Error: ne, Delay: delay})

		if err := p.clock.Sleep(ctx, delay); err != nil {
			return stopped()
		}
	}
}

// Do is Execute for operations without a value.
func (p *Policy) Do(ctx context.Context, op func(context.Context) error) Result[struct{}] {
	return Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
}

func (p *Policy) observe(a Attempt) {
	if p.observer != nil {
		p.observer(a)
	}
}
