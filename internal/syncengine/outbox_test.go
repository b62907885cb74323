package syncengine

import (
	"context"
	"testing"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(kind model.MutationType, id, title string) PendingMutation {
	return NewPendingMutation(postRecord(id, title), kind, nil)
}

func TestOutbox_EnqueueAppendsInFIFOOrder(t *testing.T) {
	ctx := context.Background()
	ob := NewMutationOutbox(newTestStore(t), nil)

	// Given three mutations for different records
	a := mutation(model.MutationCreate, "a", "A")
	b := mutation(model.MutationCreate, "b", "B")
	c := mutation(model.MutationCreate, "c", "C")

	// When they are enqueued
	for _, m := range []PendingMutation{a, b, c} {
		require.NoError(t, ob.Enqueue(ctx, m))
	}

	// Then they come out in enqueue order
	pending := ob.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{a.MutationID, b.MutationID, c.MutationID},
		[]string{pending[0].MutationID, pending[1].MutationID, pending[2].MutationID})

	head, ok := ob.Peek()
	require.True(t, ok)
	assert.Equal(t, a.MutationID, head.MutationID)
}

func TestOutbox_Coalescing(t *testing.T) {
	tests := []struct {
		name      string
		existing  model.MutationType
		incoming  model.MutationType
		wantErr   error
		wantLen   int
		wantType  model.MutationType
		wantTitle string
	}{
		{"create then create", model.MutationCreate, model.MutationCreate, ErrDuplicateCreate, 1, model.MutationCreate, "old"},
		{"create then update", model.MutationCreate, model.MutationUpdate, nil, 1, model.MutationCreate, "new"},
		{"create then delete", model.MutationCreate, model.MutationDelete, nil, 0, "", ""},
		{"update then create", model.MutationUpdate, model.MutationCreate, ErrDuplicateCreate, 1, model.MutationUpdate, "old"},
		{"update then update", model.MutationUpdate, model.MutationUpdate, nil, 1, model.MutationUpdate, "new"},
		{"update then delete", model.MutationUpdate, model.MutationDelete, nil, 1, model.MutationDelete, "new"},
		{"delete then create", model.MutationDelete, model.MutationCreate, ErrCreateAfterDelete, 1, model.MutationDelete, "old"},
		{"delete then update", model.MutationDelete, model.MutationUpdate, ErrUpdateAfterDelete, 1, model.MutationDelete, "old"},
		{"delete then delete", model.MutationDelete, model.MutationDelete, nil, 1, model.MutationDelete, "old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ob := NewMutationOutbox(newTestStore(t), nil)

			// Given a pending mutation for the record
			first := mutation(tt.existing, "p1", "old")
			require.NoError(t, ob.Enqueue(ctx, first))

			// When a second mutation for the same record arrives
			err := ob.Enqueue(ctx, mutation(tt.incoming, "p1", "new"))

			// Then the queue reflects the coalescing rule
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantLen, ob.Len())
			if tt.wantLen == 0 {
				assert.False(t, ob.HasPendingMutation("Post", "p1"))
				return
			}
			head, _ := ob.Peek()
			assert.Equal(t, first.MutationID, head.MutationID, "coalesced mutation keeps its position")
			assert.Equal(t, tt.wantType, head.Type)
			assert.Equal(t, tt.wantTitle, head.Record.Fields["title"])
		})
	}
}

func TestOutbox_CoalescedMutationKeepsPosition(t *testing.T) {
	ctx := context.Background()
	ob := NewMutationOutbox(newTestStore(t), nil)

	// Given updates queued for a then b
	a := mutation(model.MutationUpdate, "a", "A1")
	b := mutation(model.MutationUpdate, "b", "B1")
	require.NoError(t, ob.Enqueue(ctx, a))
	require.NoError(t, ob.Enqueue(ctx, b))

	// When a is updated again
	require.NoError(t, ob.Enqueue(ctx, mutation(model.MutationUpdate, "a", "A2")))

	// Then a is still first, carrying the newest data
	pending := ob.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.MutationID, pending[0].MutationID)
	assert.Equal(t, "A2", pending[0].Record.Fields["title"])
	assert.Equal(t, b.MutationID, pending[1].MutationID)
}

func TestOutbox_InFlightMutationIsNotCoalesced(t *testing.T) {
	ctx := context.Background()
	ob := NewMutationOutbox(newTestStore(t), nil)

	// Given an update being published
	first := mutation(model.MutationUpdate, "p1", "old")
	require.NoError(t, ob.Enqueue(ctx, first))
	require.NoError(t, ob.MarkInFlight(first.MutationID))

	// When another update for the record arrives
	second := mutation(model.MutationUpdate, "p1", "new")
	require.NoError(t, ob.Enqueue(ctx, second))

	// Then it is queued behind, leaving the in-flight payload untouched
	pending := ob.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "old", pending[0].Record.Fields["title"])
	assert.Equal(t, second.MutationID, pending[1].MutationID)

	// And once the first is removed the record is still pending
	require.NoError(t, ob.Remove(ctx, first.MutationID))
	assert.True(t, ob.HasPendingMutation("Post", "p1"))
	head, _ := ob.Peek()
	assert.Equal(t, second.MutationID, head.MutationID)
}

func TestOutbox_RemoveUnknownMutation(t *testing.T) {
	ob := NewMutationOutbox(newTestStore(t), nil)

	err := ob.Remove(context.Background(), NewMutationID())

	assert.ErrorIs(t, err, ErrMutationNotFound)
}

func TestOutbox_MarkInFlightUnknownMutation(t *testing.T) {
	ob := NewMutationOutbox(newTestStore(t), nil)

	err := ob.MarkInFlight(NewMutationID())

	assert.ErrorIs(t, err, ErrMutationNotFound)
}

func TestOutbox_RejectsInvalidMutation(t *testing.T) {
	ob := NewMutationOutbox(newTestStore(t), nil)
	m := mutation(model.MutationCreate, "p1", "T")
	m.MutationID = "not-a-ulid"

	err := ob.Enqueue(context.Background(), m)

	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.Equal(t, 0, ob.Len())
}

func TestOutbox_LoadRestoresPersistedQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given a queue persisted by an earlier outbox, including a coalesced entry
	first := NewMutationOutbox(s, nil)
	a := mutation(model.MutationCreate, "a", "A1")
	b := mutation(model.MutationUpdate, "b", "B1")
	require.NoError(t, first.Enqueue(ctx, a))
	require.NoError(t, first.Enqueue(ctx, b))
	require.NoError(t, first.Enqueue(ctx, mutation(model.MutationUpdate, "a", "A2")))
	require.NoError(t, first.MarkInFlight(b.MutationID))

	// When a new outbox loads from the same store
	rec := &eventRecorder{}
	second := NewMutationOutbox(s, rec)
	require.NoError(t, second.Load(ctx))

	// Then the queue is identical and nothing is in flight
	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.MutationID, pending[0].MutationID)
	assert.Equal(t, model.MutationCreate, pending[0].Type)
	assert.Equal(t, "A2", pending[0].Record.Fields["title"])
	assert.Equal(t, b.MutationID, pending[1].MutationID)

	require.NoError(t, second.Enqueue(ctx, mutation(model.MutationUpdate, "b", "B2")))
	assert.Equal(t, 2, second.Len(), "b is no longer in flight so the update coalesces")

	status := rec.named(events.OutboxStatus)
	require.NotEmpty(t, status)
	assert.Equal(t, events.OutboxStatusData{IsEmpty: false}, status[0].Data)

	// And a signal is waiting for the processor
	select {
	case e := <-second.Events():
		assert.Equal(t, OutboxContentAvailable, e)
	default:
		t.Fatal("expected a content-available signal")
	}
}

func TestOutbox_StorageFailureLeavesQueueUntouched(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{LocalStore: newTestStore(t)}
	ob := NewMutationOutbox(fs, nil)

	first := mutation(model.MutationUpdate, "p1", "old")
	require.NoError(t, ob.Enqueue(ctx, first))

	// Given the store rejects writes to the mutation table
	fs.setFail(model.PendingMutationModel)

	// When an append, a coalesce and a removal are attempted
	errAppend := ob.Enqueue(ctx, mutation(model.MutationUpdate, "p2", "x"))
	errMerge := ob.Enqueue(ctx, mutation(model.MutationUpdate, "p1", "new"))
	errRemove := ob.Remove(ctx, first.MutationID)

	// Then every call fails and memory matches storage
	assert.Error(t, errAppend)
	assert.Error(t, errMerge)
	assert.Error(t, errRemove)
	pending := ob.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].Record.Fields["title"])

	fs.setFail("")
	reloaded := NewMutationOutbox(fs, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, ob.Pending(), reloaded.Pending())
}

func TestOutbox_AnnouncesStatusTransitions(t *testing.T) {
	ctx := context.Background()
	rec := &eventRecorder{}
	ob := NewMutationOutbox(newTestStore(t), rec)

	m := mutation(model.MutationCreate, "p1", "T")
	require.NoError(t, ob.Enqueue(ctx, m))
	require.NoError(t, ob.Remove(ctx, m.MutationID))

	enqueued := rec.named(events.OutboxMutationEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, m.MutationID, enqueued[0].Data.(events.MutationData).MutationID)

	status := rec.named(events.OutboxStatus)
	require.Len(t, status, 2)
	assert.Equal(t, events.OutboxStatusData{IsEmpty: false}, status[0].Data)
	assert.Equal(t, events.OutboxStatusData{IsEmpty: true}, status[1].Data)
}

func TestOutbox_SignalsCoalesce(t *testing.T) {
	ctx := context.Background()
	ob := NewMutationOutbox(newTestStore(t), nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ob.Enqueue(ctx, mutation(model.MutationCreate, id, id)))
	}

	<-ob.Events()
	select {
	case <-ob.Events():
		t.Fatal("expected a single buffered signal")
	default:
	}
}

func TestPendingMutation_PersistentRoundTrip(t *testing.T) {
	m := NewPendingMutation(postRecord("p1", "T"), model.MutationUpdate, model.Where("title", model.OpEq, "old"))

	rec, err := m.ToPersistentRecord()
	require.NoError(t, err)
	assert.Equal(t, model.PendingMutationModel, rec.Model)
	assert.Equal(t, m.MutationID, rec.ID)
	assert.Equal(t, "p1", rec.Fields["containedModelId"])
	assert.Equal(t, "Post", rec.Fields["containedModelName"])

	got, err := PendingMutationFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, m.MutationID, got.MutationID)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, "T", got.Record.Fields["title"])
	require.NotNil(t, got.Predicate)
	assert.True(t, got.Predicate.Matches(postRecord("p1", "old")))
}

func TestPendingMutation_FromRecordRejectsMismatch(t *testing.T) {
	m := mutation(model.MutationCreate, "p1", "T")
	rec, err := m.ToPersistentRecord()
	require.NoError(t, err)
	rec.Fields["containedModelId"] = "other"

	_, err = PendingMutationFromRecord(rec)

	assert.ErrorIs(t, err, ErrInvalidMutation)
}
