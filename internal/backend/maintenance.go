package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PurgeTombstones removes deleted records whose last change is before
// cutoff and returns how many were removed. Clients offline for longer than
// the retention window no longer learn about those deletions.
func (b *SQLiteBackend) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`DELETE FROM remote_records WHERE deleted = 1 AND last_changed_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return n, nil
}

// Snapshot writes a consistent copy of the backend database to path,
// replacing any previous snapshot there.
func (b *SQLiteBackend) Snapshot(ctx context.Context, path string) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	// VACUUM INTO refuses to overwrite, so build beside the target and
	// rename over it.
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	start := time.Now()
	if _, err := b.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install snapshot: %w", err)
	}

	slog.Debug("snapshot written",
		"component", "backend",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
