package orchestrator

import (
	"context"
	"log/slog"

	"mqttlog/internal/config"
	"mqttlog/internal/home"
	"mqttlog/internal/retention"
)

// retentionJobName returns the scheduler job name for a log directory's
// retention sweep. Topics share a directory, so the directory is the key.
func retentionJobName(dir string) string {
	return "retention:" + home.New(dir).Abs()
}

// retentionRunner owns the sweeper for one log directory. It is invoked by
// the shared scheduler.
type retentionRunner struct {
	ctx     context.Context
	sweeper *retention.Sweeper
	logger  *slog.Logger
}

// sweep runs one pass. Errors are logged; the next run tries again.
func (r *retentionRunner) sweep() {
	if r.ctx.Err() != nil {
		return
	}
	if _, err := r.sweeper.Sweep(r.ctx); err != nil {
		r.logger.Error("retention sweep failed", "error", err)
	}
}

// scheduleRetention replaces the retention job for dir with one built from
// settings. A zero retention window only removes the job. Must be called
// with o.mu held.
func (o *Orchestrator) scheduleRetention(ctx context.Context, dir string, settings config.Config) error {
	name := retentionJobName(dir)
	window := settings.RetentionWindow()
	if window <= 0 {
		if o.scheduler.HasJob(name) {
			o.scheduler.RemoveJob(name)
			o.logger.Info("retention disabled", "dir", dir)
		}
		return nil
	}

	r := &retentionRunner{
		ctx: ctx,
		sweeper: retention.New(retention.Config{
			Dir:    dir,
			Policy: retention.NewTTLPolicy(window),
			Now:    o.now,
			Logger: o.baseLogger,
		}),
		logger: o.logger.With("dir", dir),
	}
	o.logger.Info("retention enabled", "dir", dir, "window", window)
	if settings.SweepCron != "" {
		return o.scheduler.UpdateJob(name, settings.SweepCron, r.sweep)
	}
	o.scheduler.RemoveJob(name)
	return o.scheduler.AddIntervalJob(name, settings.SweepInterval.Std(), r.sweep)
}
