package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/postgresql"
	"github.com/stepwise-analytics/stepwise/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"analysis_snapshots", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stepwise_test"),
			postgres.WithUsername("stepwise"),
			postgres.WithPassword("stepwise"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'analysis_snapshots')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "analysis_snapshots table should exist")

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestPersistence_SaveAndFetch(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	snapshot := testutil.CreateTestSnapshot()

	stored, err := p.Save(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SessionID, stored.SessionID)
	assert.Equal(t, models.RegressionWorkflow, stored.Kind)
	assert.Equal(t, []int{1, 2}, stored.VisitedSteps)
	assert.True(t, snapshot.SavedAt.Equal(stored.SavedAt))
	require.NoError(t, stored.VerifyDigest())

	fetched, err := p.SnapshotByID(ctx, snapshot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version, fetched.Version)
	assert.Equal(t, snapshot.Payload.Upload.SheetsSelected, fetched.Payload.Upload.SheetsSelected)
}

func TestPersistence_SaveNewestWins(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	newer := testutil.CreateTestSnapshot(testutil.WithVersion(9), testutil.WithStep(3))
	older := testutil.CreateTestSnapshot(
		testutil.WithSessionID(newer.SessionID),
		testutil.WithVersion(4),
		testutil.WithStep(1),
	)

	_, err := p.Save(ctx, newer)
	require.NoError(t, err)

	stored, err := p.Save(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), stored.Version)
	assert.Equal(t, 3, stored.CurrentStep)

	newest := testutil.CreateTestSnapshot(
		testutil.WithSessionID(newer.SessionID),
		testutil.WithVersion(10),
		testutil.WithStep(4),
	)

	stored, err = p.Save(ctx, newest)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentStep)
}

func TestPersistence_NotFound(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, err := p.SnapshotByID(ctx, "missing")
	assert.True(t, persistence.IsSnapshotNotFound(err))

	err = p.Delete(ctx, "missing")
	assert.True(t, persistence.IsSnapshotNotFound(err))
}

func TestPersistence_DeleteSavedBefore(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	old := testutil.CreateTestSnapshot(testutil.WithSavedAt(cutoff.Add(-time.Hour)))
	fresh := testutil.CreateTestSnapshot(testutil.WithSavedAt(cutoff.Add(time.Hour)))

	_, err := p.Save(ctx, old)
	require.NoError(t, err)
	_, err = p.Save(ctx, fresh)
	require.NoError(t, err)

	removed, err := p.DeleteSavedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = p.SnapshotByID(ctx, old.SessionID)
	assert.True(t, persistence.IsSnapshotNotFound(err))

	_, err = p.SnapshotByID(ctx, fresh.SessionID)
	assert.NoError(t, err)
}
