// Package redis provides a Redis-backed LocalCache with expiring entries.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

const (
	defaultPrefix = "stepwise:"
	pingTimeout   = 5 * time.Second
)

// Cache stores encoded snapshots in Redis. Keys expire after the configured TTL,
// so the cache behaves as an evictable store rather than a durable one.
type Cache struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache connects to the Redis instance described by url (redis:// or rediss://).
func NewCache(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (*Cache, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis at %s: %w", options.Addr, err)
	}

	return NewCacheWithClient(client, logger, defaultPrefix, ttl), nil
}

// NewCacheWithClient wraps an existing client. A zero ttl stores keys without expiry.
func NewCacheWithClient(client goredis.UniversalClient, logger *slog.Logger, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("module", "redis_cache"),
	}
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}

	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.ErrCacheMiss
		}

		return nil, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	return value, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.client.Del(ctx, c.prefix+key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}

	return nil
}

func (c *Cache) Close() error {
	err := c.client.Close()
	if err != nil {
		c.logger.Error("Failed to close redis client", "error", err)

		return err
	}

	return nil
}
