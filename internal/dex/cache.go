// internal/dex/cache.go
package dex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// QuoteCache stores quotes for a short time. Implementations must be safe
// for concurrent use.
type QuoteCache interface {
	Get(ctx context.Context, key string) (Quote, bool, error)
	Set(ctx context.Context, key string, q Quote, ttl time.Duration) error
}

// MemoryQuoteCache is a process-local QuoteCache.
type MemoryQuoteCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	quote   Quote
	expires time.Time
}

func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryQuoteCache) Get(_ context.Context, key string) (Quote, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Quote{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Quote{}, false, nil
	}
	return e.quote, true, nil
}

func (c *MemoryQuoteCache) Set(_ context.Context, key string, q Quote, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// opportunistic sweep keeps the map bounded by the live key set
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{quote: q, expires: now.Add(ttl)}
	return nil
}

// CachedClient is a read-through quote cache in front of a Client. Concurrent
// identical quote requests collapse into one upstream call. Swaps pass through.
type CachedClient struct {
	inner  Client
	cache  QuoteCache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedClient wraps inner. A non-positive ttl disables caching but keeps
// request collapsing.
func NewCachedClient(inner Client, cache QuoteCache, ttl time.Duration, logger *zap.Logger) *CachedClient {
	if cache == nil {
		cache = NewMemoryQuoteCache()
	}
	return &CachedClient{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("quote_cache"),
	}
}

func quoteKey(tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) string {
	return fmt.Sprintf("quote:%s:%s:%s:%d", tokenIn, tokenOut, amountIn.String(), feeTier)
}

// QuoteExactInput implements Client.
func (c *CachedClient) QuoteExactInput(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) (Quote, error) {
	key := quoteKey(tokenIn, tokenOut, amountIn, feeTier)

	if c.ttl > 0 {
		q, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("Quote cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			c.hits.Add(1)
			return q, nil
		}
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		q, err := c.inner.QuoteExactInput(ctx, tokenIn, tokenOut, amountIn, feeTier)
		if err != nil {
			return Quote{}, err
		}
		if c.ttl > 0 {
			if err := c.cache.Set(ctx, key, q, c.ttl); err != nil {
				c.logger.Warn("Quote cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// Stats returns cache hits and misses since creation.
func (c *CachedClient) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Swap implements Client.
func (c *CachedClient) Swap(ctx context.Context, tokenIn, tokenOut string, feeTier int, params SwapParams, recipient string) (PendingTransaction, error) {
	return c.inner.Swap(ctx, tokenIn, tokenOut, feeTier, params, recipient)
}
