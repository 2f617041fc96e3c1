// Package postgresql provides PostgreSQL persistence for analysis session snapshots.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/sqlbase"
)

// Persistence implements persistence.SnapshotRepository for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	snapshotRepo *SnapshotRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:           database,
		logger:       logger,
		snapshotRepo: NewSnapshotRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Save upserts the snapshot, keeping whichever record is newer.
func (p *Persistence) Save(ctx context.Context, snapshot *models.Snapshot) (*models.Snapshot, error) {
	return p.snapshotRepo.Save(ctx, snapshot)
}

// SnapshotByID returns the stored snapshot of sessionID.
func (p *Persistence) SnapshotByID(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	return p.snapshotRepo.GetByID(ctx, sessionID)
}

// Delete removes the snapshot of sessionID.
func (p *Persistence) Delete(ctx context.Context, sessionID string) error {
	return p.snapshotRepo.Delete(ctx, sessionID)
}

// DeleteSavedBefore removes snapshots saved before cutoff.
func (p *Persistence) DeleteSavedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return p.snapshotRepo.DeleteSavedBefore(ctx, cutoff)
}
