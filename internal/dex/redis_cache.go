// internal/dex/redis_cache.go
package dex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQuoteCache shares quotes between engine processes.
type RedisQuoteCache struct {
	client *redis.Client
	prefix string
}

// NewRedisQuoteCache connects using a redis:// URL and verifies the connection.
func NewRedisQuoteCache(ctx context.Context, url string) (*RedisQuoteCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisQuoteCache{client: client, prefix: "fafnir:"}, nil
}

func (c *RedisQuoteCache) Get(ctx context.Context, key string) (Quote, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, fmt.Errorf("decode cached quote: %w", err)
	}
	return q, true, nil
}

func (c *RedisQuoteCache) Set(ctx context.Context, key string, q Quote, ttl time.Duration) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// Close releases the connection pool.
func (c *RedisQuoteCache) Close() error {
	return c.client.Close()
}
