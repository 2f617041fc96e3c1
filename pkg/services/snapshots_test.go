package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	"github.com/stepwise-analytics/stepwise/pkg/mocks"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/file"
	"github.com/stepwise-analytics/stepwise/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSnapshots(t *testing.T) *Snapshots {
	t.Helper()

	return NewSnapshots(file.NewPersistence(t.TempDir()), catalog.Default(), log.Discard())
}

func TestSnapshots_HealthCheck(t *testing.T) {
	message, healthy := newSnapshots(t).HealthCheck(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, "Persistence layer is healthy", message)

	repository := &mocks.MockSnapshotRepository{}
	repository.On("HealthCheck", mock.Anything).Return(errors.New("connection refused"))

	message, healthy = NewSnapshots(repository, catalog.Default(), log.Discard()).HealthCheck(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, message, "connection refused")

	message, healthy = NewSnapshots(nil, catalog.Default(), log.Discard()).HealthCheck(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "Persistence layer not initialized", message)
}

func TestSnapshots_StoreAndFetch(t *testing.T) {
	service := newSnapshots(t)
	ctx := context.Background()

	snapshot := testutil.CreateTestSnapshot()

	stored, err := service.Store(ctx, snapshot.SessionID, snapshot)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version, stored.Version)

	fetched, err := service.Fetch(ctx, snapshot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Digest, fetched.Digest)
}

func TestSnapshots_StoreKeepsNewer(t *testing.T) {
	service := newSnapshots(t)
	ctx := context.Background()

	newer := testutil.CreateTestSnapshot(testutil.WithVersion(7))
	_, err := service.Store(ctx, newer.SessionID, newer)
	require.NoError(t, err)

	older := testutil.CreateTestSnapshot(testutil.WithSessionID(newer.SessionID), testutil.WithVersion(6))

	stored, err := service.Store(ctx, older.SessionID, older)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stored.Version)
}

func TestSnapshots_StoreValidation(t *testing.T) {
	service := newSnapshots(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		sessionID     string
		snapshot      *models.Snapshot
		want          error
		unprocessable bool
	}{
		{
			name:      "unsafe id",
			sessionID: "../etc",
			snapshot:  testutil.CreateTestSnapshot(testutil.WithSessionID("../etc")),
			want:      ErrInvalidSessionID,
		},
		{
			name:      "missing body",
			sessionID: "s-1",
			want:      ErrInvalidRequest,
		},
		{
			name:      "id mismatch",
			sessionID: "s-1",
			snapshot:  testutil.CreateTestSnapshot(testutil.WithSessionID("s-2")),
			want:      ErrSessionIDMismatch,
		},
		{
			name:      "unknown kind",
			sessionID: "s-1",
			snapshot:  testutil.CreateTestSnapshot(testutil.WithSessionID("s-1"), testutil.WithKind("forecasting")),
			want:      ErrUnknownWorkflowKind,
		},
		{
			name:          "schema version",
			sessionID:     "s-1",
			snapshot:      testutil.CreateTestSnapshot(testutil.WithSessionID("s-1"), func(s *models.Snapshot) { s.SchemaVersion = 2 }),
			want:          ErrUnsupportedSchema,
			unprocessable: true,
		},
		{
			name:          "step out of range",
			sessionID:     "s-1",
			snapshot:      testutil.CreateTestSnapshot(testutil.WithSessionID("s-1"), testutil.WithKind(models.StatisticalWorkflow), testutil.WithStep(4)),
			want:          ErrStepOutOfRange,
			unprocessable: true,
		},
		{
			name:      "digest mismatch",
			sessionID: "s-1",
			snapshot: testutil.CreateTestSnapshot(
				testutil.WithSessionID("s-1"),
				testutil.WithDigest("0000000000000000000000000000000000000000000000000000000000000000"),
			),
			want:          ErrDigestMismatch,
			unprocessable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Store(ctx, tt.sessionID, tt.snapshot)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.unprocessable, IsUnprocessableError(err))
			assert.Equal(t, !tt.unprocessable, IsValidationError(err))
		})
	}
}

func TestSnapshots_FetchAndDeleteErrors(t *testing.T) {
	service := newSnapshots(t)
	ctx := context.Background()

	_, err := service.Fetch(ctx, "missing")
	assert.True(t, persistence.IsSnapshotNotFound(err))

	_, err = service.Fetch(ctx, "a/b")
	assert.True(t, IsValidationError(err))

	assert.True(t, persistence.IsSnapshotNotFound(service.Delete(ctx, "missing")))
	assert.True(t, IsValidationError(service.Delete(ctx, "")))
}

func TestSnapshots_Steps(t *testing.T) {
	service := newSnapshots(t)

	steps, defining, err := service.Steps(models.StatisticalWorkflow)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 1, defining)
	assert.Equal(t, models.StepVariableSelection, steps[1].Name)

	_, _, err = service.Steps("forecasting")
	assert.ErrorIs(t, err, ErrUnknownWorkflowKind)
}

func TestPruner_RunOnce(t *testing.T) {
	service := newSnapshots(t)
	ctx := context.Background()

	old := testutil.CreateTestSnapshot(testutil.WithSavedAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	recent := testutil.CreateTestSnapshot(testutil.WithSavedAt(time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)))

	for _, snapshot := range []*models.Snapshot{old, recent} {
		_, err := service.Store(ctx, snapshot.SessionID, snapshot)
		require.NoError(t, err)
	}

	pruner, err := NewPruner(service, DefaultPruneSchedule, 30*24*time.Hour, log.Discard())
	require.NoError(t, err)

	pruner.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	removed, err := pruner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = service.Fetch(ctx, old.SessionID)
	assert.True(t, persistence.IsSnapshotNotFound(err))

	_, err = service.Fetch(ctx, recent.SessionID)
	assert.NoError(t, err)
}

func TestNewPruner_Validation(t *testing.T) {
	service := newSnapshots(t)

	_, err := NewPruner(service, "not a schedule", time.Hour, log.Discard())
	require.ErrorIs(t, err, ErrInvalidPruneSchedule)

	_, err = NewPruner(service, DefaultPruneSchedule, 0, log.Discard())
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPruner_StartStop(t *testing.T) {
	pruner, err := NewPruner(newSnapshots(t), "@every 1s", time.Hour, log.Discard())
	require.NoError(t, err)

	pruner.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, pruner.Stop(ctx))
}
