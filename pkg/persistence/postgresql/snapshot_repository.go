package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

// SnapshotRepository handles snapshot-related database operations.
type SnapshotRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, logger *slog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, logger: logger.With("repository", "snapshots")}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectSnapshot = `
		SELECT
			session_id
		  , workflow_kind
		  , current_step
		  , visited_steps
		  , version
		  , payload
		  , digest
		  , schema_version
		  , saved_at
		FROM analysis_snapshots
		WHERE session_id = $1
	`

// Save upserts the snapshot. An existing row is only overwritten when the
// incoming snapshot has a higher version, or the same version and a saved_at
// that is not earlier. The stored row is returned either way.
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) (*models.Snapshot, error) {
	err := persistence.ValidateSessionID(snapshot.SessionID)
	if err != nil {
		return nil, err
	}

	if snapshot.Version > math.MaxInt64 {
		return nil, persistence.NewSerializationError("Save", snapshot.SessionID, fmt.Errorf("version %d overflows BIGINT", snapshot.Version))
	}

	visited, err := json.Marshal(snapshot.VisitedSteps)
	if err != nil {
		return nil, persistence.NewSerializationError("Save", snapshot.SessionID, err)
	}

	payload, err := json.Marshal(snapshot.Payload)
	if err != nil {
		return nil, persistence.NewSerializationError("Save", snapshot.SessionID, err)
	}

	query := `
		INSERT INTO analysis_snapshots (
			session_id
		  , workflow_kind
		  , current_step
		  , visited_steps
		  , version
		  , payload
		  , digest
		  , schema_version
		  , saved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			workflow_kind = EXCLUDED.workflow_kind
		  , current_step = EXCLUDED.current_step
		  , visited_steps = EXCLUDED.visited_steps
		  , version = EXCLUDED.version
		  , payload = EXCLUDED.payload
		  , digest = EXCLUDED.digest
		  , schema_version = EXCLUDED.schema_version
		  , saved_at = EXCLUDED.saved_at
		WHERE analysis_snapshots.version < EXCLUDED.version
		   OR (analysis_snapshots.version = EXCLUDED.version AND analysis_snapshots.saved_at <= EXCLUDED.saved_at)
	`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.SessionID,
		string(snapshot.Kind),
		snapshot.CurrentStep,
		visited,
		int64(snapshot.Version),
		payload,
		snapshot.Digest,
		snapshot.SchemaVersion,
		snapshot.SavedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert snapshot %s: %w", snapshot.SessionID, err)
	}

	return r.GetByID(ctx, snapshot.SessionID)
}

// GetByID returns the snapshot of sessionID or persistence.ErrSnapshotNotFound.
func (r *SnapshotRepository) GetByID(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, selectSnapshot, sessionID)

	snapshot, err := r.scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", sessionID, persistence.ErrSnapshotNotFound)
		}

		return nil, err
	}

	return snapshot, nil
}

// Delete removes the snapshot of sessionID.
func (r *SnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM analysis_snapshots WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", sessionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, persistence.ErrSnapshotNotFound)
	}

	return nil
}

// DeleteSavedBefore removes every snapshot saved before cutoff.
func (r *SnapshotRepository) DeleteSavedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM analysis_snapshots WHERE saved_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	r.logger.InfoContext(ctx, "pruned snapshots", "removed", affected, "cutoff", cutoff)

	return affected, nil
}

func (r *SnapshotRepository) scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var (
		snapshot models.Snapshot
		kind     string
		visited  []byte
		version  int64
		payload  []byte
	)

	err := row.Scan(
		&snapshot.SessionID,
		&kind,
		&snapshot.CurrentStep,
		&visited,
		&version,
		&payload,
		&snapshot.Digest,
		&snapshot.SchemaVersion,
		&snapshot.SavedAt,
	)
	if err != nil {
		return nil, err
	}

	snapshot.Kind = models.WorkflowKind(kind)
	snapshot.Version = uint64(version)
	snapshot.SavedAt = snapshot.SavedAt.UTC()

	err = json.Unmarshal(visited, &snapshot.VisitedSteps)
	if err != nil {
		return nil, persistence.NewSerializationError("Decode", snapshot.SessionID, err)
	}

	err = json.Unmarshal(payload, &snapshot.Payload)
	if err != nil {
		return nil, persistence.NewSerializationError("Decode", snapshot.SessionID, err)
	}

	return &snapshot, nil
}
