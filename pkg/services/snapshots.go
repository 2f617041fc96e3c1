package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

// Snapshots is the durable snapshot store behind the HTTP API.
type Snapshots struct {
	repository persistence.SnapshotRepository
	catalog    *catalog.Catalog
	logger     *slog.Logger
}

// NewSnapshots creates a new snapshot service.
func NewSnapshots(repository persistence.SnapshotRepository, c *catalog.Catalog, logger *slog.Logger) *Snapshots {
	return &Snapshots{
		repository: repository,
		catalog:    c,
		logger:     logger.With("module", "snapshot_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Snapshots) HealthCheck(ctx context.Context) (string, bool) {
	if s.repository == nil {
		return "Persistence layer not initialized", false
	}

	err := s.repository.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Store validates snapshot and upserts it under sessionID. The returned
// snapshot is what the repository holds afterwards, which is the stored one
// when it is newer than the one sent.
func (s *Snapshots) Store(ctx context.Context, sessionID string, snapshot *models.Snapshot) (*models.Snapshot, error) {
	err := s.validate(sessionID, snapshot)
	if err != nil {
		return nil, err
	}

	stored, err := s.repository.Save(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if stored.Version != snapshot.Version || !stored.SavedAt.Equal(snapshot.SavedAt) {
		s.logger.DebugContext(ctx, "Kept newer stored snapshot",
			"session_id", sessionID,
			"sent_version", snapshot.Version,
			"stored_version", stored.Version,
		)
	}

	return stored, nil
}

func (s *Snapshots) validate(sessionID string, snapshot *models.Snapshot) error {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return NewValidationError("Store", "invalid_session_id", err.Error(), ErrInvalidSessionID)
	}

	if snapshot == nil {
		return NewValidationError("Store", "invalid_request", "snapshot body is required", ErrInvalidRequest)
	}

	if snapshot.SessionID != sessionID {
		return NewValidationError("Store", "session_id_mismatch",
			fmt.Sprintf("body session_id %q does not match %q", snapshot.SessionID, sessionID), ErrSessionIDMismatch)
	}

	if snapshot.SchemaVersion != models.SnapshotSchemaVersion {
		return NewValidationError("Store", "unsupported_schema",
			fmt.Sprintf("schema_version %d, want %d", snapshot.SchemaVersion, models.SnapshotSchemaVersion), ErrUnsupportedSchema)
	}

	if !s.catalog.Supports(snapshot.Kind) {
		return NewValidationError("Store", "unknown_workflow_kind",
			fmt.Sprintf("workflow kind %q", snapshot.Kind), ErrUnknownWorkflowKind)
	}

	total := s.catalog.TotalSteps(snapshot.Kind)
	if snapshot.CurrentStep < 1 || snapshot.CurrentStep > total {
		return NewValidationError("Store", "step_out_of_range",
			fmt.Sprintf("current_step %d not in 1..%d", snapshot.CurrentStep, total), ErrStepOutOfRange)
	}

	if err := snapshot.VerifyDigest(); err != nil {
		return NewValidationError("Store", "digest_mismatch", err.Error(), ErrDigestMismatch)
	}

	return nil
}

// Fetch returns the stored snapshot of sessionID.
func (s *Snapshots) Fetch(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return nil, NewValidationError("Fetch", "invalid_session_id", err.Error(), ErrInvalidSessionID)
	}

	return s.repository.SnapshotByID(ctx, sessionID)
}

// Delete removes the stored snapshot of sessionID.
func (s *Snapshots) Delete(ctx context.Context, sessionID string) error {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return NewValidationError("Delete", "invalid_session_id", err.Error(), ErrInvalidSessionID)
	}

	return s.repository.Delete(ctx, sessionID)
}

// PruneSavedBefore removes snapshots last saved before cutoff.
func (s *Snapshots) PruneSavedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.repository.DeleteSavedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	return removed, nil
}

// Steps returns the ordered step definitions of kind and its defining step.
func (s *Snapshots) Steps(kind models.WorkflowKind) ([]catalog.StepDefinition, int, error) {
	if !s.catalog.Supports(kind) {
		return nil, 0, NewValidationError("Steps", "unknown_workflow_kind", fmt.Sprintf("workflow kind %q", kind), ErrUnknownWorkflowKind)
	}

	return s.catalog.StepsFor(kind), s.catalog.DefiningStep(kind), nil
}
