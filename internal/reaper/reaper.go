// Package reaper closes attendance sessions that were left open too long.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const runTimeout = 2 * time.Minute

// Expirer closes stale sessions and reports how many it closed.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Reaper runs an Expirer on a cron schedule.
type Reaper struct {
	cron    *cron.Cron
	expirer Expirer
	logger  *slog.Logger
}

// New schedules the expirer. Overlapping runs are skipped.
func New(schedule string, expirer Expirer, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		expirer: expirer,
		logger:  logger,
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		r.RunOnce(ctx)
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// RunOnce performs a single sweep and returns the number of closed sessions.
func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.expirer.ExpireStale(ctx)
	if err != nil {
		r.logger.Error("expire stale sessions", "error", err, "closed", n)
		return n
	}
	if n > 0 {
		r.logger.Info("expired stale sessions", "closed", n)
	}
	return n
}

// Start begins the schedule in its own goroutine.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
