package state

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itsneelabh/agentmesh/core"
)

// RetentionSweeper runs the periodic maintenance jobs of the state
// tier on a cron schedule: checkpoint age-based cleanup and quota
// window resets.
type RetentionSweeper struct {
	store     core.CheckpointStore
	retention time.Duration
	logger    core.Logger
	cron      *cron.Cron

	// extra jobs registered before Start (quota resets, pool refresh)
	jobs []func()
}

// NewRetentionSweeper creates the sweeper. Retention comes from
// checkpoint config; a non-positive retention disables the cleanup job.
func NewRetentionSweeper(store core.CheckpointStore, config core.CheckpointConfig, logger core.Logger) *RetentionSweeper {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("state/retention")
	}
	return &RetentionSweeper{
		store:     store,
		retention: time.Duration(config.RetentionDays) * 24 * time.Hour,
		logger:    logger,
		cron:      cron.New(),
	}
}

// AddJob registers an additional maintenance function run hourly.
func (r *RetentionSweeper) AddJob(fn func()) {
	r.jobs = append(r.jobs, fn)
}

// Start schedules the jobs and launches the cron runner.
func (r *RetentionSweeper) Start() error {
	if r.store != nil && r.retention > 0 {
		if _, err := r.cron.AddFunc("@hourly", r.sweep); err != nil {
			return err
		}
	}
	for _, job := range r.jobs {
		if _, err := r.cron.AddFunc("@hourly", job); err != nil {
			return err
		}
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for in-flight jobs.
func (r *RetentionSweeper) Stop() {
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		r.logger.Warn("Retention sweeper stop timed out", nil)
	}
}

func (r *RetentionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, err := r.store.CleanupOld(ctx, r.retention)
	if err != nil {
		r.logger.Error("Checkpoint retention sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if deleted > 0 {
		r.logger.Info("Checkpoint retention sweep", map[string]interface{}{
			"deleted":        deleted,
			"retention_days": int(r.retention.Hours() / 24),
		})
	}
}
