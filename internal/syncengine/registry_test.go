package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionRegistry_FindVersion(t *testing.T) {
	ctx := context.Background()
	r := NewVersionRegistry(newTestStore(t))

	// Given no metadata
	_, err := r.FindVersion(ctx, "Post", "p1")
	assert.ErrorIs(t, err, ErrNoVersion)

	// When metadata with a version is saved
	require.NoError(t, r.Save(ctx, model.RecordMetadata{Model: "Post", ID: "p1", Version: 7}))

	// Then the version is found
	v, err := r.FindVersion(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// And a zero version counts as unknown
	require.NoError(t, r.Save(ctx, model.RecordMetadata{Model: "Post", ID: "p2"}))
	_, err = r.FindVersion(ctx, "Post", "p2")
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestVersionRegistry_KeysByModelAndID(t *testing.T) {
	ctx := context.Background()
	r := NewVersionRegistry(newTestStore(t))
	require.NoError(t, r.Save(ctx, model.RecordMetadata{Model: "Post", ID: "x", Version: 1}))
	require.NoError(t, r.Save(ctx, model.RecordMetadata{Model: "Blog", ID: "x", Version: 9}))

	post, err := r.FindVersion(ctx, "Post", "x")
	require.NoError(t, err)
	blog, err := r.FindVersion(ctx, "Blog", "x")
	require.NoError(t, err)

	assert.Equal(t, 1, post)
	assert.Equal(t, 9, blog)
}

func TestVersionRegistry_SaveIsSyncEngineWrite(t *testing.T) {
	s := newTestStore(t)
	changes, cancel := s.Observe()
	defer cancel()

	require.NoError(t, NewVersionRegistry(s).Save(context.Background(), model.RecordMetadata{Model: "Post", ID: "p1", Version: 1}))

	change := <-changes
	assert.Equal(t, store.InitiatorSyncEngine, change.Initiator)
	assert.Equal(t, model.RecordMetadataModel, change.Model)
}

func TestSyncTimeRegistry_LookupAndSave(t *testing.T) {
	ctx := context.Background()
	r := NewSyncTimeRegistry(newTestStore(t))

	// Given a model never synced
	md, err := r.Lookup(ctx, "Post")
	require.NoError(t, err)
	assert.Nil(t, md.LastSyncTime)

	// When a sync time is saved
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Save(ctx, "Post", at, SyncDelta))

	// Then it is returned with its kind
	md, err = r.Lookup(ctx, "Post")
	require.NoError(t, err)
	require.NotNil(t, md.LastSyncTime)
	assert.True(t, at.Equal(*md.LastSyncTime))
	assert.Equal(t, SyncDelta, md.SyncType)
	assert.Equal(t, "Post", md.Model)
}
