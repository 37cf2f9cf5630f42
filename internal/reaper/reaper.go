// Package reaper is the background safety net: it recovers sessions from the
// record store at startup, periodically reclaims sessions whose expiry
// passed without a timer firing, and removes orphaned containers left behind
// by crashed processes.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

type Reaper struct {
	sweeper  SessionSweeper
	index    SessionIndex
	runtime  RuntimeJanitor
	interval time.Duration
	logger   *slog.Logger
}

func New(sweeper SessionSweeper, index SessionIndex, rt RuntimeJanitor, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sweeper:  sweeper,
		index:    index,
		runtime:  rt,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	// Recovery first: rebuild registry state from the store so the sweep and
	// orphan passes see the sessions a previous process was running.
	r.sweeper.Recover(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if reaped := r.sweeper.SweepExpired(ctx); reaped > 0 {
				r.logger.Info("reaper: reclaimed expired sessions", "count", reaped)
			}
			r.reapOrphans(ctx)
		}
	}
}

// reapOrphans removes managed containers that no resident session accounts
// for. Runs after the sweep so freshly expired sessions are already gone
// from the registry and their containers (if teardown failed) get a second
// chance at removal here.
func (r *Reaper) reapOrphans(ctx context.Context) {
	containers, err := r.runtime.ListSessionContainers(ctx)
	if err != nil {
		r.logger.Error("reaper: list containers", "error", err)
		return
	}

	for _, ctr := range containers {
		if _, resident := r.index.Peek(ctr.SessionID); resident {
			continue
		}
		r.logger.Warn("reaper: removing orphaned container",
			"session_id", ctr.SessionID, "container_id", ctr.ContainerID)
		if err := r.runtime.RemoveContainer(ctx, ctr.ContainerID); err != nil {
			r.logger.Error("reaper: remove orphan", "container_id", ctr.ContainerID, "error", err)
		}
	}
}
