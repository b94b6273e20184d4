package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Leader reports whether this node currently owns the periodic jobs.
type Leader interface {
	IsLeader() bool
}

// RunEvery calls fn every interval until ctx is cancelled. When leader is
// non-nil, ticks are skipped while this node is not the leader. Errors are
// logged and the loop keeps going.
func RunEvery(ctx context.Context, name string, interval time.Duration, leader Leader, logger *slog.Logger, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("periodic job started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("periodic job stopped")
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("periodic job failed", "error", err)
			}
		}
	}
}
