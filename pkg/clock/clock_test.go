package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSystemSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := System{}.Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep did not return promptly")
	}
}

func TestSystemSleepZero(t *testing.T) {
	if err := (System{}).Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := f.Sleep(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Advance(2 * time.Second)

	if got := f.Now().Sub(start); got != 5*time.Second {
		t.Fatalf("expected 5s elapsed, got %v", got)
	}
	if sleeps := f.Sleeps(); len(sleeps) != 1 || sleeps[0] != 3*time.Second {
		t.Fatalf("unexpected sleeps: %v", sleeps)
	}
}

func TestFakeSleepHookCancels(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	f.OnSleep = func(time.Duration) { cancel() }

	err := f.Sleep(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation from hook, got %v", err)
	}

	if err := f.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context to short-circuit, got %v", err)
	}
	if len(f.Sleeps()) != 1 {
		t.Fatalf("second sleep should not be recorded")
	}
}
