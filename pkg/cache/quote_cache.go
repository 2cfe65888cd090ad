package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedQuoteCache holds the latest bid/ask per instrument, sharded to keep
// lock contention low when the guard and sweep cycles quote concurrently.
type ShardedQuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	bid, ask float64
	at       time.Time
}

// NewShardedQuoteCache creates a new sharded cache.
func NewShardedQuoteCache() *ShardedQuoteCache {
	c := &ShardedQuoteCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{
			items: make(map[string]quoteEntry),
		}
	}
	return c
}

func (c *ShardedQuoteCache) getShard(instrument string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a quote for an instrument.
func (c *ShardedQuoteCache) Set(instrument string, bid, ask float64, at time.Time) {
	shard := c.getShard(instrument)
	shard.mu.Lock()
	shard.items[instrument] = quoteEntry{bid: bid, ask: ask, at: at}
	shard.mu.Unlock()
}

// Get returns the quote no older than maxAge, if any.
func (c *ShardedQuoteCache) Get(instrument string, maxAge time.Duration) (bid, ask float64, at time.Time, ok bool) {
	shard := c.getShard(instrument)
	shard.mu.RLock()
	entry, ok := shard.items[instrument]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.at) > maxAge {
		return 0, 0, time.Time{}, false
	}
	return entry.bid, entry.ask, entry.at, true
}

// Delete removes an instrument from the cache.
func (c *ShardedQuoteCache) Delete(instrument string) {
	shard := c.getShard(instrument)
	shard.mu.Lock()
	delete(shard.items, instrument)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedQuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedQuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for instrument, entry := range shard.items {
			if entry.at.Before(cutoff) {
				delete(shard.items, instrument)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedQuoteCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.at.Before(oldest) {
				oldest = entry.at
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
