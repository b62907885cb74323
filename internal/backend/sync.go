package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

// cursor is the position after the last item of a page.
type cursor struct {
	lastChangedMs int64
	id            string
}

func (c cursor) encode() string {
	raw := strconv.FormatInt(c.lastChangedMs, 10) + "|" + c.id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	ms, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return cursor{}, ErrInvalidToken
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return cursor{lastChangedMs: n, id: id}, nil
}

// Sync returns one page of a model's records ordered by change time. A nil
// since is a base query over every record, tombstones included; otherwise
// only records changed at or after since are returned.
func (b *SQLiteBackend) Sync(ctx context.Context, modelName string, since *time.Time, token string, limit int) (syncengine.SyncPage, error) {
	if !b.registry.Has(modelName) {
		return syncengine.SyncPage{}, fmt.Errorf("%w: %q", model.ErrUnknownModel, modelName)
	}
	if b.isClosed() {
		return syncengine.SyncPage{}, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	if limit > MaxSyncLimit {
		limit = MaxSyncLimit
	}

	var sinceMs int64
	if since != nil {
		sinceMs = since.UnixMilli()
	}
	after := cursor{lastChangedMs: -1}
	if token != "" {
		c, err := decodeCursor(token)
		if err != nil {
			return syncengine.SyncPage{}, err
		}
		after = c
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, data, version, last_changed_at, deleted
		FROM remote_records
		WHERE model = ?
		  AND last_changed_at >= ?
		  AND (last_changed_at > ? OR (last_changed_at = ? AND id > ?))
		ORDER BY last_changed_at, id
		LIMIT ?
	`, modelName, sinceMs, after.lastChangedMs, after.lastChangedMs, after.id, limit+1)
	if err != nil {
		return syncengine.SyncPage{}, fmt.Errorf("sync %s: %w", modelName, err)
	}
	defer rows.Close()

	var page syncengine.SyncPage
	for rows.Next() {
		var (
			id, data string
			version  int
			changed  int64
			deleted  bool
		)
		if err := rows.Scan(&id, &data, &version, &changed, &deleted); err != nil {
			return syncengine.SyncPage{}, fmt.Errorf("scan %s: %w", modelName, err)
		}
		item, err := decodeRemote(modelName, id, data, version, changed, deleted)
		if err != nil {
			return syncengine.SyncPage{}, err
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return syncengine.SyncPage{}, fmt.Errorf("sync %s: %w", modelName, err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextToken = cursor{
			lastChangedMs: last.Metadata.LastChangedAt.UnixMilli(),
			id:            last.Record.ID,
		}.encode()
	}
	return page, nil
}
