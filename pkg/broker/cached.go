package broker

import (
	"context"
	"time"

	"copytrade-core/pkg/cache"
)

// CachedClient serves GetQuote from a short-lived cache so that the guard
// evaluation and the exit-level sweep, which often quote the same
// instruments within one cycle, hit the bridge once. Snapshots and closes
// always go through.
type CachedClient struct {
	inner  Client
	quotes *cache.ShardedQuoteCache
	maxAge time.Duration
}

func NewCachedClient(inner Client, maxAge time.Duration) *CachedClient {
	return &CachedClient{
		inner:  inner,
		quotes: cache.NewShardedQuoteCache(),
		maxAge: maxAge,
	}
}

func (c *CachedClient) GetAccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	return c.inner.GetAccountSnapshot(ctx, accountID)
}

func (c *CachedClient) GetQuote(ctx context.Context, accountID, instrument string) (*Quote, error) {
	if bid, ask, at, ok := c.quotes.Get(instrument, c.maxAge); ok {
		return &Quote{Instrument: instrument, Bid: bid, Ask: ask, At: at}, nil
	}
	q, err := c.inner.GetQuote(ctx, accountID, instrument)
	if err != nil {
		return nil, err
	}
	c.quotes.Set(instrument, q.Bid, q.Ask, q.At)
	return q, nil
}

func (c *CachedClient) ClosePosition(ctx context.Context, accountID, ticket string, volume float64) (*CloseResult, error) {
	return c.inner.ClosePosition(ctx, accountID, ticket, volume)
}
