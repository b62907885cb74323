package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, s store.LocalStore, gw RemoteSyncGateway, pub events.Publisher) *Orchestrator {
	t.Helper()
	opts := DefaultOptions()
	opts.Store = s
	opts.Registry = blogRegistry(t)
	opts.Events = pub
	opts.Retry = fastRetry()
	opts.SubscriptionTimeoutPerModel = time.Second
	if gw != nil {
		opts.Gateway = gw
	}
	o, err := NewOrchestrator(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Close(ctx)
	})
	return o
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(Options{Registry: blogRegistry(t)})
	assert.ErrorContains(t, err, "store is required")

	empty, err := model.NewRegistry()
	require.NoError(t, err)
	_, err = NewOrchestrator(Options{Store: newTestStore(t), Registry: empty})
	assert.ErrorContains(t, err, "at least one model")
}

func TestOrchestrator_LocalOnlyQueuesChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &eventRecorder{}
	o := newTestOrchestrator(t, s, nil, rec)

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, ModeLocalOnly, o.Mode())
	assert.Len(t, rec.named(events.Ready), 1)

	_, err := s.Save(ctx, postRecord("p1", "offline"), store.InitiatorUser, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.Status().PendingMutations == 1 }, 5*time.Second, 5*time.Millisecond)
	st := o.Status()
	assert.False(t, st.OutboxEmpty)
	assert.False(t, st.RemoteActive)
}

func TestOrchestrator_SyncsBothWays(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.seed(withMetadata(model.Record{Model: "Blog", ID: "b1", Fields: map[string]any{"name": "remote blog"}}, 1, false))
	o := newTestOrchestrator(t, s, gw, nil)

	// Given a write made before sync starts
	require.NoError(t, o.StartLocal(ctx))
	_, err := s.Save(ctx, postRecord("p1", "written offline"), store.InitiatorUser, nil)
	require.NoError(t, err)

	// When the engine starts
	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool { return o.Status().RemoteActive }, 5*time.Second, 5*time.Millisecond)

	// Then remote data is hydrated
	_, ok := localRecord(t, s, "Blog", "b1")
	assert.True(t, ok)

	// And the offline write reaches the backend
	require.Eventually(t, func() bool {
		_, ok := gw.server("Post", "p1")
		return ok && o.Status().OutboxEmpty
	}, 5*time.Second, 5*time.Millisecond)

	// And live remote changes are merged
	gw.deliver(t, OnUpdate, withMetadata(model.Record{Model: "Blog", ID: "b1", Fields: map[string]any{"name": "renamed"}}, 2, false))
	require.Eventually(t, func() bool {
		r, ok := localRecord(t, s, "Blog", "b1")
		return ok && r.Fields["name"] == "renamed"
	}, 5*time.Second, 5*time.Millisecond)

	st := o.Status()
	assert.Equal(t, ModeSyncRemote, st.Mode)
	assert.True(t, st.Started)
	assert.True(t, st.SubscriptionsEstablished)
	assert.False(t, st.LastHydration.IsZero())
}

func TestOrchestrator_RestartsAfterFailure(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	var failures atomic.Int32
	gw.syncFn = func(context.Context, string, *time.Time, string) (SyncPage, error) {
		if failures.Add(1) <= 12 {
			return SyncPage{}, errNetwork
		}
		return SyncPage{}, nil
	}
	rec := &eventRecorder{}
	o := newTestOrchestrator(t, newTestStore(t), gw, rec)

	require.NoError(t, o.Start(ctx))

	require.Eventually(t, func() bool { return o.Status().RemoteActive }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, o.Status().LastError)
	var sawDown bool
	for _, e := range rec.named(events.NetworkStatus) {
		if !e.Data.(events.NetworkStatusData).Active {
			sawDown = true
		}
	}
	assert.True(t, sawDown, "a failed run reports the network as inactive")
}

func TestOrchestrator_StopKeepsOutboxForNextRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.createFn = func(context.Context, model.Record) (Response, error) {
		return Response{}, errNetwork
	}
	o := newTestOrchestrator(t, s, gw, nil)
	require.NoError(t, o.Start(ctx))

	_, err := s.Save(ctx, postRecord("p1", "T"), store.InitiatorUser, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(gw.callsOf("create")) > 0 }, 5*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(stopCtx))
	assert.False(t, o.Status().Started)

	// When a new engine opens the same store
	next := newTestOrchestrator(t, s, nil, nil)
	require.NoError(t, next.StartLocal(ctx))

	// Then the unsent mutation is still queued
	pending := next.Outbox().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].Record.ID)
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t), newFakeGateway(), nil)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Stop(context.Background()))
}

// rejectingGateway answers every create with a validation error and
// records when each attempt arrived.
func rejectingGateway() (*fakeGateway, func() []time.Time) {
	gw := newFakeGateway()
	var mu sync.Mutex
	var attempts []time.Time
	gw.createFn = func(context.Context, model.Record) (Response, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return Response{Errors: []GraphQLError{{Message: "title is invalid"}}}, nil
	}
	return gw, func() []time.Time {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Time(nil), attempts...)
	}
}

func startWithQueuedPost(t *testing.T, o *Orchestrator, s store.LocalStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, o.StartLocal(ctx))
	_, err := s.Save(ctx, postRecord("p1", "T"), store.InitiatorUser, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Status().PendingMutations == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, o.Start(ctx))
}

func TestOrchestrator_BacksOffWhileMutationKeepsFailing(t *testing.T) {
	s := newTestStore(t)
	gw, attempts := rejectingGateway()
	o := newTestOrchestrator(t, s, gw, nil)
	o.opts.Retry = RetryPolicy{BaseDelay: 20 * time.Millisecond, MaxExponent: 8, MaxAttempts: 1, NonRetryable: DefaultNonRetryable()}

	startWithQueuedPost(t, o, s)

	require.Eventually(t, func() bool { return len(attempts()) >= 4 }, 5*time.Second, 5*time.Millisecond)
	got := attempts()
	assert.GreaterOrEqual(t, got[2].Sub(got[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, got[3].Sub(got[2]), 80*time.Millisecond)

	// The mutation is kept for a later attempt.
	assert.Equal(t, 1, o.Status().PendingMutations)
}

func TestOrchestrator_BackoffStartsOverAfterHealthyRun(t *testing.T) {
	s := newTestStore(t)
	gw, attempts := rejectingGateway()
	o := newTestOrchestrator(t, s, gw, nil)
	o.opts.Retry = RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxExponent: 8, MaxAttempts: 1, NonRetryable: DefaultNonRetryable()}
	o.healthyRun = 0

	startWithQueuedPost(t, o, s)

	require.Eventually(t, func() bool { return len(attempts()) >= 4 }, 5*time.Second, 5*time.Millisecond)
	got := attempts()
	assert.Less(t, got[3].Sub(got[2]), 200*time.Millisecond)
}

func TestOrchestrator_StartAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, newTestStore(t), newFakeGateway(), nil)
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Close(ctx))

	assert.ErrorIs(t, o.Start(ctx), ErrStopped)
	assert.ErrorIs(t, o.StartLocal(ctx), ErrStopped)
	assert.False(t, o.Status().Started)
}
