// Package memory provides an in-process LocalCache, the default ephemeral store.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a map-backed LocalCache. Entries optionally expire after a TTL,
// mimicking the eviction a browser-style local store may apply.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Cache)

// WithTTL makes entries expire ttl after they were written. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(opts ...Option) *Cache {
	cache := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

func (c *Cache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{value: slices.Clone(value)}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}

	c.entries[key] = e

	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, persistence.ErrCacheMiss
	}

	now := c.now()
	if !c.expired(e, now) {
		return slices.Clone(e.value), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A Put may have replaced the entry since the read lock was released.
	e, ok = c.entries[key]
	if !ok {
		return nil, persistence.ErrCacheMiss
	}

	if c.expired(e, now) {
		delete(c.entries, key)

		return nil, persistence.ErrCacheMiss
	}

	return slices.Clone(e.value), nil
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)

	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *Cache) Close() error {
	return nil
}
