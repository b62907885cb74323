// Package worker runs periodic maintenance against the reference backend.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// TombstonePurger removes deleted records that have outlived retention.
// Implemented by backend.SQLiteBackend.
type TombstonePurger interface {
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error)
}

// CompactionWorker purges old tombstones on an interval.
type CompactionWorker struct {
	store     TombstonePurger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewCompactionWorker creates a worker that, every interval, purges
// tombstones last changed more than retention ago.
func NewCompactionWorker(store TombstonePurger, interval, retention time.Duration) *CompactionWorker {
	return &CompactionWorker{
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// The first pass waits for one interval so server start-up stays cheap.
func (w *CompactionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "compaction",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "compaction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.compact(ctx)
		}
	}
}

// compact runs one purge and reports how many tombstones went.
func (w *CompactionWorker) compact(ctx context.Context) int64 {
	start := w.now()
	cutoff := start.Add(-w.retention)

	deleted, err := w.store.PurgeTombstones(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		slog.Error("tombstone compaction failed",
			"component", "worker",
			"worker", "compaction",
			"error", err,
		)
		return 0
	}

	if deleted == 0 {
		slog.Debug("no tombstones to compact",
			"component", "worker",
			"worker", "compaction",
		)
		return 0
	}

	slog.Info("tombstone compaction completed",
		"component", "worker",
		"worker", "compaction",
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"tombstones_deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted
}
