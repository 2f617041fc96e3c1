// Package file provides file-based persistence for analysis session snapshots.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

const snapshotsDir = "snapshots"

// Persistence implements persistence.SnapshotRepository using one JSON file per session.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Save writes the snapshot unless the stored one is newer, then returns the stored record.
func (fp *Persistence) Save(_ context.Context, snapshot *models.Snapshot) (*models.Snapshot, error) {
	if err := persistence.ValidateSessionID(snapshot.SessionID); err != nil {
		return nil, err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	existing, err := fp.read(snapshot.SessionID)
	if err != nil && !persistence.IsSnapshotNotFound(err) {
		return nil, err
	}

	if existing != nil && !snapshot.Newer(existing) {
		return existing, nil
	}

	err = os.MkdirAll(fp.dir(), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, persistence.NewSerializationError("Save", snapshot.SessionID, err)
	}

	// Write-then-rename keeps readers from seeing partial files.
	tmp, err := os.CreateTemp(fp.dir(), snapshot.SessionID+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for snapshot %s: %w", snapshot.SessionID, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return nil, fmt.Errorf("failed to write snapshot %s: %w", snapshot.SessionID, err)
	}

	err = os.Rename(tmp.Name(), fp.path(snapshot.SessionID))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return nil, fmt.Errorf("failed to store snapshot %s: %w", snapshot.SessionID, err)
	}

	return snapshot.Clone(), nil
}

// SnapshotByID returns the stored snapshot or persistence.ErrSnapshotNotFound.
func (fp *Persistence) SnapshotByID(_ context.Context, sessionID string) (*models.Snapshot, error) {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.read(sessionID)
}

// Delete removes the snapshot of sessionID.
func (fp *Persistence) Delete(_ context.Context, sessionID string) error {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := os.Remove(fp.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete snapshot %s: %w", sessionID, persistence.ErrSnapshotNotFound)
		}

		return fmt.Errorf("failed to delete snapshot %s: %w", sessionID, err)
	}

	return nil
}

// DeleteSavedBefore removes every snapshot saved before cutoff.
func (fp *Persistence) DeleteSavedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	files, err := fs.Glob(os.DirFS(fp.dir()), "*.json")
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshot files: %w", err)
	}

	var removed int64

	for _, file := range files {
		sessionID := strings.TrimSuffix(file, ".json")

		snapshot, err := fp.read(sessionID)
		if err != nil {
			if persistence.IsSnapshotNotFound(err) {
				continue
			}

			return removed, err
		}

		if !snapshot.SavedAt.Before(cutoff) {
			continue
		}

		err = os.Remove(fp.path(sessionID))
		if err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", sessionID, err)
		}

		removed++
	}

	return removed, nil
}

func (fp *Persistence) read(sessionID string) (*models.Snapshot, error) {
	body, err := os.ReadFile(fp.path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", sessionID, persistence.ErrSnapshotNotFound)
		}

		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", sessionID, err)
	}

	var snapshot models.Snapshot

	err = json.Unmarshal(body, &snapshot)
	if err != nil {
		return nil, persistence.NewSerializationError("Decode", sessionID, err)
	}

	return &snapshot, nil
}

func (fp *Persistence) dir() string {
	return filepath.Join(fp.root, snapshotsDir)
}

func (fp *Persistence) path(sessionID string) string {
	return filepath.Join(fp.dir(), sessionID+".json")
}
