// Package backend is a reference remote backend: versioned records with
// optimistic locking, delta sync queries and live change feeds. It speaks the
// same envelopes as a production GraphQL sync API.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

// Error types reported in response envelopes, besides the ones defined by
// syncengine.
const (
	ErrorTypeValidation = "ValidationError"
	ErrorTypeNotFound   = "NotFound"
)

const (
	DefaultSyncLimit = 100
	MaxSyncLimit     = 1000
)

var (
	ErrClosed       = errors.New("backend is closed")
	ErrInvalidToken = errors.New("invalid sync token")
)

// SQLiteBackend stores the authoritative copy of every record.
type SQLiteBackend struct {
	db       *sql.DB
	registry *model.Registry
	now      func() time.Time

	// Serializes writes so version checks and change fan-out follow commit
	// order.
	writeMu sync.Mutex

	mu     sync.Mutex
	feeds  map[string]map[int]*feed
	nextID int
	closed bool
}

var _ syncengine.RemoteSyncGateway = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the backend database at dbPath.
func NewSQLiteBackend(dbPath string, reg *model.Registry) (*SQLiteBackend, error) {
	db, err := store.OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{
		db:       db,
		registry: reg,
		now:      time.Now,
		feeds:    make(map[string]map[int]*feed),
	}, nil
}

// Registry returns the models the backend accepts.
func (b *SQLiteBackend) Registry() *model.Registry {
	return b.registry
}

// Close completes every open feed and closes the database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*feed
	for _, byID := range b.feeds {
		for _, f := range byID {
			all = append(all, f)
		}
	}
	b.feeds = map[string]map[int]*feed{}
	b.mu.Unlock()

	for _, f := range all {
		f.complete()
	}
	return b.db.Close()
}

func (b *SQLiteBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats is a coarse summary for health reporting.
type Stats struct {
	Records    int `json:"records"`
	Tombstones int `json:"tombstones"`
}

// Stats counts stored records.
func (b *SQLiteBackend) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(deleted), 0)
		FROM remote_records
	`).Scan(&s.Records, &s.Tombstones)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// Create stores a new record at version 1. Creating an ID that already
// exists is a conflict carrying the stored copy.
func (b *SQLiteBackend) Create(ctx context.Context, rec model.Record) (syncengine.Response, error) {
	if resp, ok, err := b.check(rec); !ok {
		return resp, err
	}
	return b.write(ctx, syncengine.OnCreate, rec.Model, rec.ID, func(existing *model.RecordWithMetadata) (*model.RecordWithMetadata, *syncengine.GraphQLError) {
		if existing != nil {
			return nil, conflict(*existing)
		}
		return &model.RecordWithMetadata{
			Record:   rec.Clone(),
			Metadata: model.RecordMetadata{Model: rec.Model, ID: rec.ID, Version: 1},
		}, nil
	})
}

// Update replaces a record if expectedVersion matches the stored version.
func (b *SQLiteBackend) Update(ctx context.Context, rec model.Record, expectedVersion int, pred *model.Predicate) (syncengine.Response, error) {
	if resp, ok, err := b.check(rec); !ok {
		return resp, err
	}
	return b.write(ctx, syncengine.OnUpdate, rec.Model, rec.ID, func(existing *model.RecordWithMetadata) (*model.RecordWithMetadata, *syncengine.GraphQLError) {
		if existing == nil {
			return nil, notFound(rec.Model, rec.ID)
		}
		if existing.Metadata.Deleted || existing.Metadata.Version != expectedVersion {
			return nil, conflict(*existing)
		}
		if !pred.Matches(existing.Record) {
			return nil, conditionFailed(rec.Model, rec.ID)
		}
		return &model.RecordWithMetadata{
			Record: rec.Clone(),
			Metadata: model.RecordMetadata{
				Model:   rec.Model,
				ID:      rec.ID,
				Version: existing.Metadata.Version + 1,
			},
		}, nil
	})
}

// Delete tombstones a record if expectedVersion matches the stored version.
// The tombstone keeps the last data and gets the next version.
func (b *SQLiteBackend) Delete(ctx context.Context, modelName, id string, expectedVersion int, pred *model.Predicate) (syncengine.Response, error) {
	if !b.registry.Has(modelName) {
		return syncengine.Response{}, fmt.Errorf("%w: %q", model.ErrUnknownModel, modelName)
	}
	return b.write(ctx, syncengine.OnDelete, modelName, id, func(existing *model.RecordWithMetadata) (*model.RecordWithMetadata, *syncengine.GraphQLError) {
		if existing == nil {
			return nil, notFound(modelName, id)
		}
		if existing.Metadata.Deleted || existing.Metadata.Version != expectedVersion {
			return nil, conflict(*existing)
		}
		if !pred.Matches(existing.Record) {
			return nil, conditionFailed(modelName, id)
		}
		md := existing.Metadata
		md.Version++
		md.Deleted = true
		return &model.RecordWithMetadata{Record: existing.Record, Metadata: md}, nil
	})
}

// check validates rec against its schema. Schema violations are reported
// in the envelope; an unregistered model is an error.
func (b *SQLiteBackend) check(rec model.Record) (syncengine.Response, bool, error) {
	if !b.registry.Has(rec.Model) {
		return syncengine.Response{}, false, fmt.Errorf("%w: %q", model.ErrUnknownModel, rec.Model)
	}
	if err := b.registry.Validate(rec); err != nil {
		return syncengine.Response{Errors: []syncengine.GraphQLError{{
			Message:   err.Error(),
			ErrorType: ErrorTypeValidation,
		}}}, false, nil
	}
	return syncengine.Response{}, true, nil
}

type mutateFunc func(existing *model.RecordWithMetadata) (*model.RecordWithMetadata, *syncengine.GraphQLError)

func (b *SQLiteBackend) write(ctx context.Context, op syncengine.SubscriptionType, modelName, id string, mutate mutateFunc) (syncengine.Response, error) {
	if b.isClosed() {
		return syncengine.Response{}, ErrClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return syncengine.Response{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getRemote(ctx, tx, modelName, id)
	if err != nil {
		return syncengine.Response{}, err
	}

	next, gqlErr := mutate(existing)
	if gqlErr != nil {
		slog.Debug("mutation refused",
			"component", "backend",
			"model", modelName,
			"record_id", id,
			"operation", string(op),
			"error_type", gqlErr.ErrorType,
		)
		return syncengine.Response{Errors: []syncengine.GraphQLError{*gqlErr}}, nil
	}

	next.Metadata.LastChangedAt = b.changeTime(existing)
	if err := putRemote(ctx, tx, *next); err != nil {
		return syncengine.Response{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncengine.Response{}, fmt.Errorf("commit: %w", err)
	}

	slog.Debug("mutation applied",
		"component", "backend",
		"model", modelName,
		"record_id", id,
		"operation", string(op),
		"version", next.Metadata.Version,
	)
	b.publish(op, *next)
	return syncengine.Response{Data: next}, nil
}

// changeTime returns the current time truncated to the stored precision,
// never earlier than the record's previous change.
func (b *SQLiteBackend) changeTime(existing *model.RecordWithMetadata) time.Time {
	t := time.UnixMilli(b.now().UnixMilli()).UTC()
	if existing != nil && !t.After(existing.Metadata.LastChangedAt) {
		t = existing.Metadata.LastChangedAt.Add(time.Millisecond)
	}
	return t
}

func conflict(server model.RecordWithMetadata) *syncengine.GraphQLError {
	s := server
	return &syncengine.GraphQLError{
		Message:       fmt.Sprintf("conflict on %s %s: server is at version %d", server.Record.Model, server.Record.ID, server.Metadata.Version),
		ErrorType:     syncengine.ErrorTypeConflictUnhandled,
		ServerVersion: &s,
	}
}

func notFound(modelName, id string) *syncengine.GraphQLError {
	return &syncengine.GraphQLError{
		Message:   fmt.Sprintf("%s %s does not exist", modelName, id),
		ErrorType: ErrorTypeNotFound,
	}
}

func conditionFailed(modelName, id string) *syncengine.GraphQLError {
	return &syncengine.GraphQLError{
		Message:   fmt.Sprintf("condition not met for %s %s", modelName, id),
		ErrorType: syncengine.ErrorTypeConditionalCheckFailed,
	}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRemote(ctx context.Context, q queryRower, modelName, id string) (*model.RecordWithMetadata, error) {
	var (
		data          string
		version       int
		lastChangedMs int64
		deleted       bool
	)
	err := q.QueryRowContext(ctx, `
		SELECT data, version, last_changed_at, deleted
		FROM remote_records WHERE model = ? AND id = ?
	`, modelName, id).Scan(&data, &version, &lastChangedMs, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", modelName, id, err)
	}
	item, err := decodeRemote(modelName, id, data, version, lastChangedMs, deleted)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func decodeRemote(modelName, id, data string, version int, lastChangedMs int64, deleted bool) (model.RecordWithMetadata, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return model.RecordWithMetadata{}, fmt.Errorf("decode %s %s: %w", modelName, id, err)
	}
	return model.RecordWithMetadata{
		Record: model.Record{Model: modelName, ID: id, Fields: fields},
		Metadata: model.RecordMetadata{
			Model:         modelName,
			ID:            id,
			Version:       version,
			LastChangedAt: time.UnixMilli(lastChangedMs).UTC(),
			Deleted:       deleted,
		},
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRemote(ctx context.Context, e execer, item model.RecordWithMetadata) error {
	fields := item.Record.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", item.Record.Model, item.Record.ID, err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO remote_records (model, id, data, version, last_changed_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			last_changed_at = excluded.last_changed_at,
			deleted = excluded.deleted
	`, item.Record.Model, item.Record.ID, string(data), item.Metadata.Version,
		item.Metadata.LastChangedAt.UnixMilli(), item.Metadata.Deleted)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", item.Record.Model, item.Record.ID, err)
	}
	return nil
}
