package syncengine

import (
	"context"
	"testing"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mergerEnv struct {
	store    *store.SQLiteStore
	outbox   *MutationOutbox
	versions *VersionRegistry
	merger   *Merger
	events   *eventRecorder
}

func newMergerEnv(t *testing.T) *mergerEnv {
	t.Helper()
	s := newTestStore(t)
	rec := &eventRecorder{}
	ob := NewMutationOutbox(s, nil)
	versions := NewVersionRegistry(s)
	return &mergerEnv{
		store:    s,
		outbox:   ob,
		versions: versions,
		merger:   NewMerger(s, versions, ob, rec),
		events:   rec,
	}
}

func TestMerger_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	env := newMergerEnv(t)

	// When a new record arrives
	outcome, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "v1"), 1, false))

	// Then it is created with its version recorded
	require.NoError(t, err)
	assert.Equal(t, MergeCreated, outcome)
	got, ok := localRecord(t, env.store, "Post", "p1")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Fields["title"])
	v, err := env.versions.FindVersion(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// When a newer version arrives
	outcome, err = env.merger.Merge(ctx, withMetadata(postRecord("p1", "v2"), 2, false))

	// Then it replaces the local copy
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, outcome)
	got, _ = localRecord(t, env.store, "Post", "p1")
	assert.Equal(t, "v2", got.Fields["title"])

	received := env.events.named(events.SyncReceived)
	require.Len(t, received, 2)
	assert.Equal(t, 2, received[1].Data.(events.MutationData).Version)
}

func TestMerger_SkipsStaleVersions(t *testing.T) {
	ctx := context.Background()
	env := newMergerEnv(t)
	_, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "v3"), 3, false))
	require.NoError(t, err)

	for _, v := range []int{2, 3} {
		// When an older or equal version arrives
		outcome, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "stale"), v, false))

		// Then nothing changes
		require.NoError(t, err)
		assert.Equal(t, MergeSkipped, outcome)
	}
	got, _ := localRecord(t, env.store, "Post", "p1")
	assert.Equal(t, "v3", got.Fields["title"])
	assert.Len(t, env.events.named(events.SyncReceived), 1)
}

func TestMerger_DeletesAndTolerantOfMissingRecords(t *testing.T) {
	ctx := context.Background()
	env := newMergerEnv(t)
	_, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "v1"), 1, false))
	require.NoError(t, err)

	// When a tombstone arrives for a local record
	outcome, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "v1"), 2, true))

	// Then the record is removed and the tombstone version kept
	require.NoError(t, err)
	assert.Equal(t, MergeDeleted, outcome)
	_, ok := localRecord(t, env.store, "Post", "p1")
	assert.False(t, ok)
	md, ok, err := env.versions.Lookup(ctx, "Post", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, md.Deleted)
	assert.Equal(t, 2, md.Version)

	// And a tombstone for a record never seen locally is not an error
	outcome, err = env.merger.Merge(ctx, withMetadata(postRecord("ghost", ""), 5, true))
	require.NoError(t, err)
	assert.Equal(t, MergeDeleted, outcome)
}

func TestMerger_PendingLocalChangeWins(t *testing.T) {
	ctx := context.Background()
	env := newMergerEnv(t)

	// Given a local record with an unsent update
	_, err := env.store.Save(ctx, postRecord("p1", "local"), store.InitiatorUser, nil)
	require.NoError(t, err)
	require.NoError(t, env.outbox.Enqueue(ctx, mutation(model.MutationUpdate, "p1", "local")))

	// When a remote version arrives
	outcome, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "remote"), 4, false))

	// Then only the metadata is recorded
	require.NoError(t, err)
	assert.Equal(t, MergeMetadataOnly, outcome)
	got, _ := localRecord(t, env.store, "Post", "p1")
	assert.Equal(t, "local", got.Fields["title"])
	v, err := env.versions.FindVersion(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestMerger_WritesAreAttributedToSyncEngine(t *testing.T) {
	ctx := context.Background()
	env := newMergerEnv(t)
	changes, cancel := env.store.Observe()
	defer cancel()

	_, err := env.merger.Merge(ctx, withMetadata(postRecord("p1", "v1"), 1, false))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		change := <-changes
		assert.Equal(t, store.InitiatorSyncEngine, change.Initiator)
	}
}

func TestMerger_RejectsMismatchedMetadata(t *testing.T) {
	env := newMergerEnv(t)
	item := withMetadata(postRecord("p1", "v1"), 1, false)
	item.Metadata.ID = "p2"

	_, err := env.merger.Merge(context.Background(), item)

	assert.Error(t, err)
}
