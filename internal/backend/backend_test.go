package backend

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(
		model.ModelSchema{
			Name: "Note",
			Fields: []model.Field{
				{Name: "title", Type: model.TypeString, Required: true},
				{Name: "pinned", Type: model.TypeBoolean},
			},
		},
	)
	require.NoError(t, err)
	return reg
}

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "backend.db"), testRegistry(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func note(id, title string) model.Record {
	return model.Record{Model: "Note", ID: id, Fields: map[string]any{"title": title}}
}

func TestBackend_CreateStartsAtVersionOne(t *testing.T) {
	b := newTestBackend(t)

	resp, err := b.Create(context.Background(), note("n1", "hello"))

	require.NoError(t, err)
	require.False(t, resp.HasErrors())
	require.NotNil(t, resp.Data)
	assert.Equal(t, 1, resp.Data.Metadata.Version)
	assert.False(t, resp.Data.Metadata.Deleted)
	assert.False(t, resp.Data.Metadata.LastChangedAt.IsZero())
	assert.Equal(t, "hello", resp.Data.Record.Fields["title"])
}

func TestBackend_CreateExistingIsConflict(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, err := b.Create(ctx, note("n1", "first"))
	require.NoError(t, err)

	resp, err := b.Create(ctx, note("n1", "second"))

	require.NoError(t, err)
	c, ok := resp.Conflict()
	require.True(t, ok)
	require.NotNil(t, c.ServerVersion)
	assert.Equal(t, "first", c.ServerVersion.Record.Fields["title"])
	assert.Equal(t, 1, c.ServerVersion.Metadata.Version)
}

func TestBackend_UpdateOptimisticLocking(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, err := b.Create(ctx, note("n1", "v1"))
	require.NoError(t, err)

	// Given an update against the current version
	resp, err := b.Update(ctx, note("n1", "v2"), 1, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	assert.Equal(t, 2, resp.Data.Metadata.Version)

	// When a stale writer updates against version 1
	resp, err = b.Update(ctx, note("n1", "stale"), 1, nil)

	// Then the write is refused with the server copy attached
	require.NoError(t, err)
	c, ok := resp.Conflict()
	require.True(t, ok)
	assert.Equal(t, 2, c.ServerVersion.Metadata.Version)
	assert.Equal(t, "v2", c.ServerVersion.Record.Fields["title"])
}

func TestBackend_UpdateMissingRecord(t *testing.T) {
	b := newTestBackend(t)

	resp, err := b.Update(context.Background(), note("ghost", "x"), 1, nil)

	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, ErrorTypeNotFound, resp.Errors[0].ErrorType)
}

func TestBackend_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, err := b.Create(ctx, note("n1", "draft"))
	require.NoError(t, err)

	resp, err := b.Update(ctx, note("n1", "final"), 1, model.Where("title", model.OpEq, "published"))

	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, syncengine.ErrorTypeConditionalCheckFailed, resp.Errors[0].ErrorType)

	resp, err = b.Update(ctx, note("n1", "final"), 1, model.Where("title", model.OpEq, "draft"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Data.Metadata.Version)
}

func TestBackend_DeleteWritesTombstone(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, err := b.Create(ctx, note("n1", "bye"))
	require.NoError(t, err)

	resp, err := b.Delete(ctx, "Note", "n1", 1, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	assert.True(t, resp.Data.Metadata.Deleted)
	assert.Equal(t, 2, resp.Data.Metadata.Version)
	assert.Equal(t, "bye", resp.Data.Record.Fields["title"])

	// A second delete or an update sees the tombstone as a conflict
	resp, err = b.Delete(ctx, "Note", "n1", 2, nil)
	require.NoError(t, err)
	c, ok := resp.Conflict()
	require.True(t, ok)
	assert.True(t, c.ServerVersion.Metadata.Deleted)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 0, Tombstones: 1}, stats)
}

func TestBackend_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	resp, err := b.Create(ctx, model.Record{Model: "Note", ID: "n1", Fields: map[string]any{"pinned": "yes"}})
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, ErrorTypeValidation, resp.Errors[0].ErrorType)

	_, err = b.Create(ctx, model.Record{Model: "Nope", ID: "x"})
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}

func TestBackend_SyncPagesInChangeOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	// Given five records written at the same instant
	for _, id := range []string{"e", "c", "a", "d", "b"} {
		_, err := b.Create(ctx, note(id, id))
		require.NoError(t, err)
	}

	// When syncing two at a time
	var ids []string
	token := ""
	pages := 0
	for {
		page, err := b.Sync(ctx, "Note", nil, token, 2)
		require.NoError(t, err)
		pages++
		for _, it := range page.Items {
			ids = append(ids, it.Record.ID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	// Then every record is returned once, ordered by change time then ID
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestBackend_SyncSinceReturnsRecentChangesAndTombstones(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	_, err := b.Create(ctx, note("old", "old"))
	require.NoError(t, err)
	_, err = b.Create(ctx, note("gone", "gone"))
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	since := clock
	_, err = b.Create(ctx, note("new", "new"))
	require.NoError(t, err)
	_, err = b.Delete(ctx, "Note", "gone", 1, nil)
	require.NoError(t, err)

	page, err := b.Sync(ctx, "Note", &since, "", 0)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, it := range page.Items {
		got[it.Record.ID] = it.Metadata.Deleted
	}
	assert.Equal(t, map[string]bool{"new": false, "gone": true}, got)
}

func TestBackend_SyncRejectsBadToken(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Sync(context.Background(), "Note", nil, "%%%", 10)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBackend_ChangeTimesIncreasePerRecord(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return frozen }

	first, err := b.Create(ctx, note("n1", "a"))
	require.NoError(t, err)
	second, err := b.Update(ctx, note("n1", "b"), 1, nil)
	require.NoError(t, err)

	assert.True(t, second.Data.Metadata.LastChangedAt.After(first.Data.Metadata.LastChangedAt))
}

type collector struct {
	mu        sync.Mutex
	started   bool
	items     []model.RecordWithMetadata
	completed bool
}

func (c *collector) handler() syncengine.SubscriptionHandler {
	return syncengine.SubscriptionHandler{
		OnStart: func() {
			c.mu.Lock()
			c.started = true
			c.mu.Unlock()
		},
		OnNext: func(resp syncengine.Response) {
			c.mu.Lock()
			c.items = append(c.items, *resp.Data)
			c.mu.Unlock()
		},
		OnError: func(error) {},
		OnComplete: func() {
			c.mu.Lock()
			c.completed = true
			c.mu.Unlock()
		},
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func TestBackend_SubscribeDeliversMatchingChanges(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	creates, updates := &collector{}, &collector{}

	_, err := b.Subscribe(ctx, "Note", syncengine.OnCreate, creates.handler())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "Note", syncengine.OnUpdate, updates.handler())
	require.NoError(t, err)
	assert.True(t, creates.started)

	_, err = b.Create(ctx, note("n1", "a"))
	require.NoError(t, err)
	_, err = b.Create(ctx, note("n2", "b"))
	require.NoError(t, err)
	_, err = b.Update(ctx, note("n1", "c"), 1, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return creates.count() == 2 && updates.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	creates.mu.Lock()
	assert.Equal(t, "n1", creates.items[0].Record.ID)
	assert.Equal(t, "n2", creates.items[1].Record.ID)
	creates.mu.Unlock()
}

func TestBackend_CancelledSubscriptionStopsDelivering(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	c := &collector{}
	sub, err := b.Subscribe(ctx, "Note", syncengine.OnCreate, c.handler())
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	_, err = b.Create(ctx, note("n1", "a"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestBackend_ContextEndsSubscription(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, "Note", syncengine.OnCreate, (&collector{}).handler())
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.feeds[feedKey("Note", syncengine.OnCreate)]) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBackend_CloseCompletesSubscriptions(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "backend.db"), testRegistry(t))
	require.NoError(t, err)
	c := &collector{}
	_, err = b.Subscribe(context.Background(), "Note", syncengine.OnDelete, c.handler())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.completed
	}, 5*time.Second, 5*time.Millisecond)
	_, err = b.Create(context.Background(), note("n1", "a"))
	assert.ErrorIs(t, err, ErrClosed)
}
