// Package reaper periodically fails query tasks stuck in InProgress, e.g.
// after a worker died mid-task. It runs on a cron schedule and is disabled
// unless TASK_REAPER_SCHEDULE is set.
package reaper

import (
	"context"
	"log/slog"

	"github.com/relaymesh/relay/internal/postgres"
	"github.com/robfig/cron/v3"
)

// DefaultTTL is the Postgres interval after which an InProgress task is
// considered abandoned.
const DefaultTTL = "1 hour"

// Reaper owns the cron runner.
type Reaper struct {
	catalog  *postgres.Catalog
	schedule string
	ttl      string
	cron     *cron.Cron
}

// New builds a reaper. schedule is a standard cron expression; ttl is a
// Postgres interval string.
func New(catalog *postgres.Catalog, schedule, ttl string) *Reaper {
	if ttl == "" {
		ttl = DefaultTTL
	}
	return &Reaper{catalog: catalog, schedule: schedule, ttl: ttl}
}

// Start schedules the reap job. Returns an error for invalid schedules.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() { r.reap(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("task reaper started", "schedule", r.schedule, "ttl", r.ttl)
	return nil
}

// Stop halts the schedule, waiting for a running reap to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Reaper) reap(ctx context.Context) {
	reaped, err := r.catalog.FailStaleTasks(ctx, r.ttl)
	if err != nil {
		slog.Error("task reap failed", "error", err)
		return
	}
	if reaped > 0 {
		slog.Info("reaped stale tasks", "count", reaped, "ttl", r.ttl)
	}
}
