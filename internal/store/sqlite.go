package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local replica.
type SQLiteStore struct {
	db *sql.DB

	// Serialize writes to prevent SQLite lock upgrades failing under WAL, and
	// to publish changes in commit order.
	writeMu sync.Mutex

	mu           sync.Mutex
	observers    map[int]*observer
	nextObserver int
	closed       bool
}

var _ LocalStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, observers: make(map[int]*observer)}, nil
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	return nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB exposes the underlying handle for components sharing the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close cancels every observer and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	observers := s.observers
	s.observers = map[int]*observer{}
	s.mu.Unlock()

	for _, o := range observers {
		o.stop()
	}
	return s.db.Close()
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Save creates or replaces a record.
func (s *SQLiteStore) Save(ctx context.Context, rec model.Record, initiator Initiator, pred *model.Predicate) (StorageChange, error) {
	if rec.Model == "" || rec.ID == "" {
		return StorageChange{}, ErrInvalidRecord
	}
	if err := pred.Validate(); err != nil {
		return StorageChange{}, fmt.Errorf("invalid predicate: %w", err)
	}
	if s.isClosed() {
		return StorageChange{}, ErrClosed
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return StorageChange{}, fmt.Errorf("encode %s %s: %w", rec.Model, rec.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageChange{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, found, err := getRecord(ctx, tx, rec.Model, rec.ID)
	if err != nil {
		return StorageChange{}, err
	}
	if found && !pred.Matches(existing) {
		return StorageChange{}, fmt.Errorf("save %s %s: %w", rec.Model, rec.ID, ErrPredicateNotSatisfied)
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (model, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rec.Model, rec.ID, string(data), ts, ts)
	if err != nil {
		return StorageChange{}, fmt.Errorf("save %s %s: %w", rec.Model, rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return StorageChange{}, fmt.Errorf("commit: %w", err)
	}

	kind := model.MutationCreate
	if found {
		kind = model.MutationUpdate
	}
	change := StorageChange{
		ID:        ulid.Make().String(),
		Model:     rec.Model,
		Type:      kind,
		Record:    rec.Clone(),
		Initiator: initiator,
		Predicate: pred,
		Time:      now,
	}
	s.publish(change)
	return change, nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, rec model.Record, initiator Initiator, pred *model.Predicate) (StorageChange, error) {
	if rec.Model == "" || rec.ID == "" {
		return StorageChange{}, ErrInvalidRecord
	}
	if err := pred.Validate(); err != nil {
		return StorageChange{}, fmt.Errorf("invalid predicate: %w", err)
	}
	if s.isClosed() {
		return StorageChange{}, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageChange{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, found, err := getRecord(ctx, tx, rec.Model, rec.ID)
	if err != nil {
		return StorageChange{}, err
	}
	if !found {
		return StorageChange{}, fmt.Errorf("delete %s %s: %w", rec.Model, rec.ID, ErrNotFound)
	}
	if !pred.Matches(existing) {
		return StorageChange{}, fmt.Errorf("delete %s %s: %w", rec.Model, rec.ID, ErrPredicateNotSatisfied)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE model = ? AND id = ?`, rec.Model, rec.ID); err != nil {
		return StorageChange{}, fmt.Errorf("delete %s %s: %w", rec.Model, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return StorageChange{}, fmt.Errorf("commit: %w", err)
	}

	change := StorageChange{
		ID:        ulid.Make().String(),
		Model:     rec.Model,
		Type:      model.MutationDelete,
		Record:    existing,
		Initiator: initiator,
		Predicate: pred,
		Time:      time.Now().UTC(),
	}
	s.publish(change)
	return change, nil
}

// Query returns matching records ordered by ID. A predicate that is exactly
// "id eq X" is answered with a primary-key lookup.
func (s *SQLiteStore) Query(ctx context.Context, modelName string, pred *model.Predicate) ([]model.Record, error) {
	if err := pred.Validate(); err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	if id, ok := pred.IDLookup(); ok {
		rec, found, err := getRecord(ctx, s.db, modelName, id)
		if err != nil || !found {
			return nil, err
		}
		return []model.Record{rec}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM records WHERE model = ? ORDER BY id`, modelName)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", modelName, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", modelName, err)
		}
		rec, err := decodeRecord(modelName, id, data)
		if err != nil {
			return nil, err
		}
		if pred.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// Count returns the number of records stored for a model.
func (s *SQLiteStore) Count(ctx context.Context, modelName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE model = ?`, modelName).Scan(&n)
	return n, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, modelName, id string) (model.Record, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE model = ? AND id = ?`, modelName, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, fmt.Errorf("get %s %s: %w", modelName, id, err)
	}
	rec, err := decodeRecord(modelName, id, data)
	if err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

func decodeRecord(modelName, id, data string) (model.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return model.Record{}, fmt.Errorf("decode %s %s: %w", modelName, id, err)
	}
	return model.Record{Model: modelName, ID: id, Fields: fields}, nil
}
