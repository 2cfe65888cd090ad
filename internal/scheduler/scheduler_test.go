package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerFiresOnVirtualTime(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var fired int64
	runner := &Runner{
		Name:     "test",
		Interval: 10 * time.Second,
		Clock:    clock,
		Task: func(ctx context.Context) error {
			atomic.AddInt64(&fired, 1)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)

	// Three full intervals plus change.
	clock.Advance(35 * time.Second)
	waitFor(t, func() bool { return atomic.LoadInt64(&fired) == 3 })

	// Less than one interval fires nothing further.
	clock.Advance(5 * time.Second)
	if n := atomic.LoadInt64(&fired); n != 3 {
		t.Errorf("fired = %d, want 3", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on context cancel")
	}
}

func TestRunnerSurvivesTaskErrors(t *testing.T) {
	clock := NewFakeClock(time.Now())

	var fired int64
	runner := &Runner{
		Name:     "flaky",
		Interval: time.Second,
		Clock:    clock,
		Task: func(ctx context.Context) error {
			atomic.AddInt64(&fired, 1)
			return errors.New("transient")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)
	clock.BlockUntil(1)

	clock.Advance(3 * time.Second)
	waitFor(t, func() bool { return atomic.LoadInt64(&fired) == 3 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
