// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/file"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/memory"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/postgresql"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/redis"
	"github.com/stepwise-analytics/stepwise/pkg/transport/httptransport"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewSnapshotRepository opens the durable snapshot store named by databaseURL:
// file://<dir> (or a bare directory) or postgres://...
func NewSnapshotRepository(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.SnapshotRepository, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// NewLocalCache opens the ephemeral cache named by cacheURL: memory:// or redis(s)://...
func NewLocalCache(ctx context.Context, logger *slog.Logger, cacheURL string, ttl time.Duration) (persistence.LocalCache, error) {
	switch {
	case cacheURL == "" || strings.HasPrefix(cacheURL, "memory://"):
		return memory.NewCache(memory.WithTTL(ttl)), nil
	case strings.HasPrefix(cacheURL, "redis://"), strings.HasPrefix(cacheURL, "rediss://"):
		return redis.NewCache(ctx, logger, cacheURL, ttl)
	default:
		return nil, fmt.Errorf("%w: local cache %q", ErrUnsupportedProvider, cacheURL)
	}
}

// NewTransport returns the client side of the durable store. http(s) URLs talk
// to stepwise-api; anything else opens the repository in-process. The returned
// function releases the transport's resources.
func NewTransport(ctx context.Context, logger *slog.Logger, remoteURL string) (persistence.Transport, func(context.Context) error, error) {
	if strings.HasPrefix(remoteURL, "http://") || strings.HasPrefix(remoteURL, "https://") {
		transport, err := httptransport.New(remoteURL)
		if err != nil {
			return nil, nil, err
		}

		return transport, func(context.Context) error { return nil }, nil
	}

	repository, err := NewSnapshotRepository(ctx, logger, remoteURL)
	if err != nil {
		return nil, nil, err
	}

	return persistence.NewRepositoryTransport(repository), repository.Close, nil
}
