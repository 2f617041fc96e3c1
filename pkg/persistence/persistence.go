// Package persistence provides the storage contracts for analysis session snapshots.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// LocalCache is the ephemeral store: fast, synchronous from the caller's point
// of view, and free to evict entries. Values are opaque encoded snapshots.
type LocalCache interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrCacheMiss when the key is absent or evicted.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Transport is the remote durable store as seen from a workflow client.
// Any HTTP/RPC implementation satisfying it is acceptable.
type Transport interface {
	Send(ctx context.Context, snapshot *models.Snapshot) error
	// Fetch returns ErrSnapshotNotFound when the store has no record for the id.
	Fetch(ctx context.Context, sessionID string) (*models.Snapshot, error)
}

// SnapshotRepository is the server-side durable store behind the snapshot API.
type SnapshotRepository interface {
	// Save upserts the snapshot unless the stored record is newer, and returns
	// whichever record is stored afterwards.
	Save(ctx context.Context, snapshot *models.Snapshot) (*models.Snapshot, error)
	SnapshotByID(ctx context.Context, sessionID string) (*models.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	// DeleteSavedBefore removes snapshots last saved before cutoff and returns how many were removed.
	DeleteSavedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryTransport serves a Transport straight from a repository, for
// single-process deployments where the durable store is local.
type RepositoryTransport struct {
	repository SnapshotRepository
}

func NewRepositoryTransport(repository SnapshotRepository) *RepositoryTransport {
	return &RepositoryTransport{repository: repository}
}

func (t *RepositoryTransport) Send(ctx context.Context, snapshot *models.Snapshot) error {
	_, err := t.repository.Save(ctx, snapshot)

	return classify("Send", snapshot.SessionID, err)
}

func (t *RepositoryTransport) Fetch(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	snapshot, err := t.repository.SnapshotByID(ctx, sessionID)
	if err != nil {
		return nil, classify("Fetch", sessionID, err)
	}

	return snapshot, nil
}

// classify marks repository failures other than missing records and bad data as retryable.
func classify(op, sessionID string, err error) error {
	if err == nil || IsSnapshotNotFound(err) || IsSerialization(err) || errors.Is(err, ErrInvalidSessionID) {
		return err
	}

	return NewTransientError(op, sessionID, err)
}
