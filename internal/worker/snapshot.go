package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/outpost/internal/snapshot"
)

// Snapshotter writes a consistent copy of its database to a path.
// Implemented by backend.SQLiteBackend.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// SnapshotWorker writes periodic snapshots and hands each to an uploader.
type SnapshotWorker struct {
	store    Snapshotter
	uploader snapshot.Uploader
	path     string
	interval time.Duration
}

// NewSnapshotWorker creates a worker that snapshots to path every interval.
// The uploader is optional; if nil, snapshots stay local.
func NewSnapshotWorker(store Snapshotter, path string, interval time.Duration, uploader snapshot.Uploader) *SnapshotWorker {
	return &SnapshotWorker{
		store:    store,
		uploader: uploader,
		path:     path,
		interval: interval,
	}
}

// Run starts the worker loop. Takes a snapshot immediately on start, then
// on each interval. Blocks until ctx is cancelled.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
		"interval", w.interval.String(),
		"path", w.path,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.takeSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.takeSnapshot(ctx)
		}
	}
}

// takeSnapshot writes one snapshot and uploads it. It reports whether the
// local snapshot was written; upload failures are logged only.
func (w *SnapshotWorker) takeSnapshot(ctx context.Context) bool {
	start := time.Now()
	if err := w.store.Snapshot(ctx, w.path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot failed",
			"component", "worker",
			"worker", "snapshot",
			"error", err,
		)
		return false
	}

	slog.Info("snapshot completed",
		"component", "worker",
		"worker", "snapshot",
		"path", w.path,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if w.uploader != nil {
		w.upload(ctx)
	}
	return true
}

func (w *SnapshotWorker) upload(ctx context.Context) {
	name := snapshotName(w.path)
	if err := w.uploader.Upload(ctx, name, w.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot",
			"name", name,
			"error", err,
		)
		return
	}
	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot",
		"name", name,
		"object_key", snapshot.ObjectKey(name),
	)
}

// snapshotName derives the object name from the snapshot file name.
func snapshotName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
