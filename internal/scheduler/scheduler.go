// Package scheduler runs named background loops on a fixed interval. The
// clock is injectable so loop behavior is testable in virtual time.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Clock abstracts time for the runner.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the runner needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Runner invokes a task on a fixed interval until its context ends. Task
// errors are logged and do not stop the loop.
type Runner struct {
	Name     string
	Interval time.Duration
	Task     func(ctx context.Context) error
	Clock    Clock
}

// Run blocks until ctx is done, firing the task every interval.
func (r *Runner) Run(ctx context.Context) {
	clock := r.Clock
	if clock == nil {
		clock = realClock{}
	}

	ticker := clock.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Printf("🔄 %s loop started (every %s)", r.Name, r.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("✓ %s loop stopped", r.Name)
			return
		case <-ticker.C():
			if err := r.Task(ctx); err != nil {
				log.Printf("⚠️ %s loop: %v", r.Name, err)
			}
		}
	}
}

// FakeClock drives runners deterministically in tests.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTicker registers a fake ticker.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTicker{clock: c, interval: d, next: c.now.Add(d), ch: make(chan time.Time, 64)}
	c.tickers = append(c.tickers, ft)
	return ft
}

// BlockUntil waits for n tickers to be registered, so a test can let a
// runner goroutine attach before advancing time.
func (c *FakeClock) BlockUntil(n int) {
	for {
		c.mu.Lock()
		registered := len(c.tickers)
		c.mu.Unlock()
		if registered >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Advance moves the clock forward, firing every ticker due in the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.now.Add(d)
	for _, ft := range c.tickers {
		for !ft.stopped && !ft.next.After(target) {
			ft.ch <- ft.next
			ft.next = ft.next.Add(ft.interval)
		}
	}
	c.now = target
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.ch }

func (ft *fakeTicker) Stop() {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	ft.stopped = true
}
