package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPruneSchedule = "@every 1h"
	DefaultRetention     = 30 * 24 * time.Hour
)

// Pruner periodically deletes snapshots that have not been saved within the
// retention window, so records orphaned by a workflow reset eventually go away.
type Pruner struct {
	snapshots *Snapshots
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
	logger    *slog.Logger
}

func NewPruner(snapshots *Snapshots, schedule string, retention time.Duration, logger *slog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, NewValidationError("NewPruner", "invalid_retention",
			fmt.Sprintf("retention must be positive, got %s", retention), ErrInvalidRequest)
	}

	p := &Pruner{
		snapshots: snapshots,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("module", "snapshot_pruner", "schedule", schedule, "retention", retention),
	}

	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := p.cron.AddFunc(schedule, p.run)
	if err != nil {
		return nil, NewValidationError("NewPruner", "invalid_prune_schedule", err.Error(), ErrInvalidPruneSchedule)
	}

	return p, nil
}

func (p *Pruner) Start() {
	p.logger.Info("Starting snapshot pruner")
	p.cron.Start()
}

// Stop stops scheduling and waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) error {
	p.logger.Info("Stopping snapshot pruner")

	select {
	case <-p.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately and returns how many snapshots were removed.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)

	removed, err := p.snapshots.PruneSavedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		p.logger.InfoContext(ctx, "Pruned stale snapshots", "removed", removed, "cutoff", cutoff)
	}

	return removed, nil
}

func (p *Pruner) run() {
	if _, err := p.RunOnce(context.Background()); err != nil {
		p.logger.Error("Snapshot pruning failed", "error", err)
	}
}
