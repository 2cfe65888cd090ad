package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQuoteCacheFreshness(t *testing.T) {
	c := NewShardedQuoteCache()

	c.Set("XAUUSD", 2650.0, 2650.3, time.Now().Add(-5*time.Second))

	if _, _, _, ok := c.Get("XAUUSD", time.Second); ok {
		t.Error("stale quote served")
	}
	bid, ask, _, ok := c.Get("XAUUSD", time.Minute)
	if !ok {
		t.Fatal("fresh-enough quote not served")
	}
	if bid != 2650.0 || ask != 2650.3 {
		t.Errorf("got %v/%v, want 2650.0/2650.3", bid, ask)
	}

	if _, _, _, ok := c.Get("EURUSD", time.Minute); ok {
		t.Error("unknown instrument served")
	}
}

func TestQuoteCacheCleanup(t *testing.T) {
	c := NewShardedQuoteCache()
	now := time.Now()

	c.Set("XAUUSD", 2650.0, 2650.3, now.Add(-time.Hour))
	c.Set("EURUSD", 1.0850, 1.0851, now)

	if removed := c.Cleanup(time.Minute); removed != 1 {
		t.Errorf("removed %d entries, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if _, _, _, ok := c.Get("EURUSD", time.Minute); !ok {
		t.Error("fresh entry removed by cleanup")
	}
}

func TestQuoteCacheConcurrent(t *testing.T) {
	c := NewShardedQuoteCache()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			instrument := fmt.Sprintf("PAIR%02d", n%8)
			for j := 0; j < 100; j++ {
				c.Set(instrument, float64(j), float64(j)+0.1, now)
				c.Get(instrument, time.Minute)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Errorf("len = %d, want 8", c.Len())
	}
	if stats := c.Stats(); stats.TotalItems != 8 {
		t.Errorf("stats total = %d, want 8", stats.TotalItems)
	}
}
