package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/clock"
)

func newTestPolicy(opts Options, extra ...Option) (*Policy, *clock.Fake) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	options := append([]Option{WithClock(fc), WithRandom(func() float64 { return 0.5 })}, extra...)
	return New(opts, options...), fc
}

func transient(msg string) error {
	return &classify.NormalizedError{Code: classify.CodeNetworkError, Message: msg, IsTransient: true}
}

func TestExecuteNonRetryableStopsAfterOneAttempt(t *testing.T) {
	p, fc := newTestPolicy(DefaultOptions())

	calls := 0
	res := Execute(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("Access is denied")
	})

	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("calls=%d attempts=%d, want 1", calls, res.Attempts)
	}
	if res.Success || res.WasCancelled || res.Error == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Error.Code != classify.CodePermissionDenied {
		t.Fatalf("code = %s", res.Error.Code)
	}
	if len(fc.Sleeps()) != 0 {
		t.Fatalf("unexpected waits %v", fc.Sleeps())
	}
}

func TestExecuteNonTransientStops(t *testing.T) {
	p, _ := newTestPolicy(DefaultOptions())

	res := p.Do(context.Background(), func(context.Context) error {
		return errors.New("something odd happened")
	})
	if res.Attempts != 1 || res.Error == nil || res.Error.Code != classify.CodeUnknown {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteSucceedsOnLastAttempt(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = 4
	p, fc := newTestPolicy(opts)

	calls := 0
	res := Execute(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < opts.MaxRetries {
			return "", transient("connection reset")
		}
		return "done", nil
	})

	if !res.Success || res.Value != "done" || res.Attempts != opts.MaxRetries {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Error != nil || res.WasCancelled {
		t.Fatalf("success must be the only terminal reason: %+v", res)
	}
	if got := len(fc.Sleeps()); got != opts.MaxRetries-1 {
		t.Fatalf("waits = %d, want %d", got, opts.MaxRetries-1)
	}
	var total time.Duration
	for _, d := range fc.Sleeps() {
		total += d
	}
	if res.TotalDuration != total {
		t.Fatalf("total duration = %v, want %v", res.TotalDuration, total)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = 3
	p, _ := newTestPolicy(opts)

	calls := 0
	res := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("The operation timed out")
	})
	if calls != 3 || res.Attempts != 3 {
		t.Fatalf("calls=%d attempts=%d", calls, res.Attempts)
	}
	if res.Error == nil || res.Error.Code != classify.CodeTimeout {
		t.Fatalf("unexpected error %+v", res.Error)
	}
	var ne *classify.NormalizedError
	if !errors.As(res.Err(), &ne) {
		t.Fatalf("Err() should expose the normalized error")
	}
}

func TestExecuteZeroMaxRetriesMeansOneAttempt(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = 0
	p, _ := newTestPolicy(opts)

	calls := 0
	res := p.Do(context.Background(), func(context.Context) error {
		calls++
		return transient("down")
	})
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("calls=%d attempts=%d", calls, res.Attempts)
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	p, _ := newTestPolicy(DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	res := p.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("operation ran after cancellation")
	}
	if !res.WasCancelled || res.Success || res.Error != nil || res.Attempts != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("Err() = %v", res.Err())
	}
}

func TestExecuteCancelledDuringOperation(t *testing.T) {
	p, _ := newTestPolicy(DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	res := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if calls != 1 || !res.WasCancelled || res.Error != nil {
		t.Fatalf("calls=%d result=%+v", calls, res)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, fc := newTestPolicy(DefaultOptions())
	fc.OnSleep = func(time.Duration) { cancel() }

	calls := 0
	res := p.Do(ctx, func(context.Context) error {
		calls++
		return transient("network unreachable")
	})

	if calls != 1 {
		t.Fatalf("further attempts after cancellation: %d", calls)
	}
	if !res.WasCancelled || res.Error != nil || res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteDeadlineIsTimeoutFailure(t *testing.T) {
	p, fc := newTestPolicy(DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	calls := 0
	res := p.Do(ctx, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	if calls != 1 || len(fc.Sleeps()) != 0 {
		t.Fatalf("retried after the deadline: calls=%d sleeps=%v", calls, fc.Sleeps())
	}
	if res.WasCancelled || res.Success || res.Error == nil || res.Error.Code != classify.CodeTimeout {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteDeadlineExpiredBeforeStart(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	p, _ := newTestPolicy(DefaultOptions())

	called := false
	res := p.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called || res.Attempts != 0 {
		t.Fatalf("operation ran after the deadline: %+v", res)
	}
	if res.WasCancelled || res.Error == nil || res.Error.Code != classify.CodeTimeout || !res.Error.IsTransient {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteHonorsRetryAfter(t *testing.T) {
	opts := DefaultOptions()
	opts.BaseDelay = 100 * time.Millisecond
	opts.MaxDelay = time.Minute
	p, fc := newTestPolicy(opts, WithRandom(func() float64 { return 0 }))

	calls := 0
	res := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("Too many requests, retry after 20 seconds")
		}
		return nil
	})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 1 || sleeps[0] != 20*time.Second {
		t.Fatalf("sleeps = %v, want [20s]", sleeps)
	}
}

func TestExecuteObserver(t *testing.T) {
	var attempts []Attempt
	opts := DefaultOptions()
	opts.MaxRetries = 2
	p, _ := newTestPolicy(opts, WithObserver(func(a Attempt) { attempts = append(attempts, a) }))

	p.Do(context.Background(), func(context.Context) error { return transient("flaky") })

	if len(attempts) != 2 {
		t.Fatalf("observed %d attempts, want 2", len(attempts))
	}
	if attempts[0].Final || attempts[0].Delay <= 0 {
		t.Errorf("first attempt should schedule a retry: %+v", attempts[0])
	}
	if !attempts[1].Final || attempts[1].Delay != 0 {
		t.Errorf("second attempt should be final: %+v", attempts[1])
	}
}

func TestDelayDecorrelated(t *testing.T) {
	opts := Options{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2, UseDecorrelatedJitter: true}

	tests := []struct {
		name     string
		random   float64
		previous time.Duration
		want     time.Duration
	}{
		{"low end is base", 0, time.Second, time.Second},
		{"midpoint", 0.5, time.Second, 2 * time.Second},
		{"upper bounded by previous times three", 0.999999, 2 * time.Second, 6 * time.Second},
		{"upper bounded by max delay", 0.999999, 8 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(opts, WithRandom(func() float64 { return tt.random }))
			got := p.Delay(1, tt.previous, 0)
			if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
				t.Fatalf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayExponential(t *testing.T) {
	opts := Options{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2, MaxJitterFraction: 0.2}

	tests := []struct {
		name    string
		random  float64
		attempt int
		want    time.Duration
	}{
		{"first attempt no jitter", 0.5, 1, time.Second},
		{"second attempt no jitter", 0.5, 2, 2 * time.Second},
		{"third attempt no jitter", 0.5, 3, 4 * time.Second},
		{"capped", 0.5, 10, 5 * time.Second},
		{"negative jitter", 0, 2, 1600 * time.Millisecond},
		{"positive jitter", 0.999999, 3, 4800 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(opts, WithRandom(func() float64 { return tt.random }))
			got := p.Delay(tt.attempt, 0, 0)
			if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
				t.Fatalf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayBounds(t *testing.T) {
	for _, decorrelated := range []bool{true, false} {
		opts := Options{
			MaxRetries:            5,
			BaseDelay:             500 * time.Millisecond,
			MaxDelay:              20 * time.Second,
			BackoffFactor:         3,
			UseDecorrelatedJitter: decorrelated,
			MaxJitterFraction:     0.5,
		}
		for _, r := range []float64{0, 0.1, 0.5, 0.9, 0.999} {
			p := New(opts, WithRandom(func() float64 { return r }))
			previous := opts.BaseDelay
			for attempt := 1; attempt <= 8; attempt++ {
				for _, hint := range []time.Duration{0, time.Second, 7 * time.Second, 20 * time.Second} {
					d := p.Delay(attempt, previous, hint)
					if d < hint {
						t.Fatalf("delay %v below retry-after %v", d, hint)
					}
					if d > opts.MaxDelay || d < 0 {
						t.Fatalf("delay %v outside [0, %v]", d, opts.MaxDelay)
					}
				}
				previous = p.Delay(attempt, previous, 0)
			}
		}
	}
}

func TestDelayRetryAfterAboveMaxIsCapped(t *testing.T) {
	p := New(Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second, UseDecorrelatedJitter: true})
	if got := p.Delay(1, time.Second, time.Minute); got != 10*time.Second {
		t.Fatalf("Delay = %v, want cap of 10s", got)
	}
}

func TestOptionsNormalized(t *testing.T) {
	p := New(Options{MaxRetries: -2, BackoffFactor: 0, MaxJitterFraction: 3})
	got := p.Options()
	if got.MaxRetries != 1 || got.BackoffFactor != 1 || got.MaxJitterFraction != 1 {
		t.Fatalf("unexpected normalized options %+v", got)
	}
}
