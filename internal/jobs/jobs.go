// Package jobs runs the registry's periodic maintenance in the background.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"moltregistry/internal/config"
)

const tickTimeout = 30 * time.Second

type SessionStore interface {
	ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Recounter interface {
	RecountRecent(ctx context.Context, since time.Time) (int, error)
}

// SweepSessions expires sessions past their deadline and drops finished ones
// older than retention.
func SweepSessions(ctx context.Context, store SessionStore, now time.Time, retention time.Duration) (expired, deleted int64, err error) {
	expired, err = store.ExpireStaleSessions(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	if retention > 0 {
		deleted, err = store.DeleteSessionsBefore(ctx, now.Add(-retention))
		if err != nil {
			return expired, 0, err
		}
	}
	return expired, deleted, nil
}

func StartSessionSweepJob(ctx context.Context, cfg config.Config, store SessionStore, logger *slog.Logger) {
	if store == nil || cfg.SessionSweepInterval <= 0 {
		return
	}
	run(ctx, cfg.SessionSweepInterval, func(tickCtx context.Context) {
		expired, deleted, err := SweepSessions(tickCtx, store, time.Now().UTC(), cfg.SessionRetention)
		if err != nil {
			logger.Error("session sweep failed", "err", err)
			return
		}
		if expired > 0 || deleted > 0 {
			logger.Info("session sweep", "expired", expired, "deleted", deleted)
		}
	})
}

func StartRecountJob(ctx context.Context, cfg config.Config, recounter Recounter, logger *slog.Logger) {
	if recounter == nil || cfg.RecountInterval <= 0 {
		return
	}
	lookback := cfg.RecountLookback
	if lookback <= 0 {
		lookback = cfg.RecountInterval
	}
	run(ctx, cfg.RecountInterval, func(tickCtx context.Context) {
		n, err := recounter.RecountRecent(tickCtx, time.Now().UTC().Add(-lookback))
		if err != nil {
			logger.Error("post recount failed", "err", err)
			return
		}
		if n > 0 {
			logger.Debug("post recount", "posts", n)
		}
	})
}

func run(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
				tick(tickCtx)
				cancel()
			}
		}
	}()
}
