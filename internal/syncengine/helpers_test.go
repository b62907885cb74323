package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/stretchr/testify/require"
)

// --- Schema fixtures ---

// blogRegistry declares Comment -> Post -> Blog out of dependency order on
// purpose.
func blogRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(
		model.ModelSchema{
			Name: "Comment",
			Fields: []model.Field{
				{Name: "content", Type: model.TypeString, Required: true},
				{Name: "postID", Type: model.TypeID},
			},
			Associations: []model.Association{
				{Name: "post", Target: "Post", Kind: model.BelongsTo, ForeignKey: "postID"},
			},
		},
		model.ModelSchema{
			Name: "Post",
			Fields: []model.Field{
				{Name: "title", Type: model.TypeString, Required: true},
				{Name: "blogID", Type: model.TypeID},
			},
			Associations: []model.Association{
				{Name: "blog", Target: "Blog", Kind: model.BelongsTo, ForeignKey: "blogID"},
				{Name: "comments", Target: "Comment", Kind: model.HasMany},
			},
		},
		model.ModelSchema{
			Name:   "Blog",
			Fields: []model.Field{{Name: "name", Type: model.TypeString, Required: true}},
			Associations: []model.Association{
				{Name: "posts", Target: "Post", Kind: model.HasMany},
			},
		},
	)
	require.NoError(t, err)
	return reg
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func postRecord(id, title string) model.Record {
	return model.Record{Model: "Post", ID: id, Fields: map[string]any{"title": title}}
}

func withMetadata(rec model.Record, version int, deleted bool) model.RecordWithMetadata {
	return model.RecordWithMetadata{
		Record: rec,
		Metadata: model.RecordMetadata{
			Model:         rec.Model,
			ID:            rec.ID,
			Version:       version,
			LastChangedAt: time.Date(2026, 1, 1, 0, 0, version, 0, time.UTC),
			Deleted:       deleted,
		},
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    time.Millisecond,
		MaxExponent:  3,
		MaxAttempts:  3,
		NonRetryable: DefaultNonRetryable(),
	}
}

// --- Event recorder ---

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) named(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// --- Fake gateway ---

type gatewayCall struct {
	Op      string
	Model   string
	ID      string
	Version int
	Record  model.Record
}

type fakeCancelable struct {
	mu        sync.Mutex
	cancelled bool
}

func (c *fakeCancelable) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *fakeCancelable) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// fakeGateway is an in-memory versioned backend. Each operation can be
// overridden; by default creates of existing records and writes against a
// stale version answer with a ConflictUnhandled error carrying the server
// copy.
type fakeGateway struct {
	mu      sync.Mutex
	records map[string]model.RecordWithMetadata
	calls   []gatewayCall
	subs    map[string]SubscriptionHandler
	cancels map[string]*fakeCancelable

	createFn    func(ctx context.Context, rec model.Record) (Response, error)
	updateFn    func(ctx context.Context, rec model.Record, version int) (Response, error)
	deleteFn    func(ctx context.Context, modelName, id string, version int) (Response, error)
	syncFn      func(ctx context.Context, modelName string, since *time.Time, token string) (SyncPage, error)
	subscribeFn func(ctx context.Context, modelName string, op SubscriptionType, h SubscriptionHandler) (Cancelable, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records: make(map[string]model.RecordWithMetadata),
		subs:    make(map[string]SubscriptionHandler),
		cancels: make(map[string]*fakeCancelable),
	}
}

func (g *fakeGateway) record(call gatewayCall) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGateway) callsOf(op string) []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) seed(item model.RecordWithMetadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[recordKey(item.Record.Model, item.Record.ID)] = item
}

func (g *fakeGateway) server(modelName, id string) (model.RecordWithMetadata, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	item, ok := g.records[recordKey(modelName, id)]
	return item, ok
}

func conflictResponse(server model.RecordWithMetadata) Response {
	s := server
	return Response{Errors: []GraphQLError{{
		Message:       "Conflict resolver rejects mutation.",
		ErrorType:     ErrorTypeConflictUnhandled,
		ServerVersion: &s,
	}}}
}

func (g *fakeGateway) Create(ctx context.Context, rec model.Record) (Response, error) {
	g.record(gatewayCall{Op: "create", Model: rec.Model, ID: rec.ID, Record: rec})
	if g.createFn != nil {
		return g.createFn(ctx, rec)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := recordKey(rec.Model, rec.ID)
	if existing, ok := g.records[key]; ok {
		return conflictResponse(existing), nil
	}
	item := withMetadata(rec.Clone(), 1, false)
	g.records[key] = item
	return Response{Data: &item}, nil
}

func (g *fakeGateway) Update(ctx context.Context, rec model.Record, version int, pred *model.Predicate) (Response, error) {
	g.record(gatewayCall{Op: "update", Model: rec.Model, ID: rec.ID, Version: version, Record: rec})
	if g.updateFn != nil {
		return g.updateFn(ctx, rec, version)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := recordKey(rec.Model, rec.ID)
	existing, ok := g.records[key]
	if !ok {
		return Response{Errors: []GraphQLError{{Message: "not found"}}}, nil
	}
	if existing.Metadata.Version != version {
		return conflictResponse(existing), nil
	}
	item := withMetadata(rec.Clone(), version+1, false)
	g.records[key] = item
	return Response{Data: &item}, nil
}

func (g *fakeGateway) Delete(ctx context.Context, modelName, id string, version int, pred *model.Predicate) (Response, error) {
	g.record(gatewayCall{Op: "delete", Model: modelName, ID: id, Version: version})
	if g.deleteFn != nil {
		return g.deleteFn(ctx, modelName, id, version)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := recordKey(modelName, id)
	existing, ok := g.records[key]
	if !ok {
		return Response{Errors: []GraphQLError{{Message: "not found"}}}, nil
	}
	if existing.Metadata.Version != version {
		return conflictResponse(existing), nil
	}
	item := withMetadata(existing.Record, version+1, true)
	g.records[key] = item
	return Response{Data: &item}, nil
}

func (g *fakeGateway) Sync(ctx context.Context, modelName string, since *time.Time, token string, limit int) (SyncPage, error) {
	g.record(gatewayCall{Op: "sync", Model: modelName})
	if g.syncFn != nil {
		return g.syncFn(ctx, modelName, since, token)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var page SyncPage
	for _, item := range g.records {
		if item.Record.Model == modelName {
			page.Items = append(page.Items, item)
		}
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].Record.ID < page.Items[j].Record.ID })
	return page, nil
}

func (g *fakeGateway) Subscribe(ctx context.Context, modelName string, op SubscriptionType, h SubscriptionHandler) (Cancelable, error) {
	g.record(gatewayCall{Op: "subscribe", Model: modelName})
	if g.subscribeFn != nil {
		return g.subscribeFn(ctx, modelName, op, h)
	}
	c := &fakeCancelable{}
	g.mu.Lock()
	g.subs[subscriptionKey(modelName, op)] = h
	g.cancels[subscriptionKey(modelName, op)] = c
	g.mu.Unlock()
	h.OnStart()
	return c, nil
}

// deliver pushes a subscription event to the registered handler.
func (g *fakeGateway) deliver(t *testing.T, op SubscriptionType, item model.RecordWithMetadata) {
	t.Helper()
	g.mu.Lock()
	h, ok := g.subs[subscriptionKey(item.Record.Model, op)]
	g.mu.Unlock()
	require.True(t, ok, "no subscription for %s %s", item.Record.Model, op)
	it := item
	h.OnNext(Response{Data: &it})
}

func (g *fakeGateway) handler(t *testing.T, modelName string, op SubscriptionType) SubscriptionHandler {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.subs[subscriptionKey(modelName, op)]
	require.True(t, ok, "no subscription for %s %s", modelName, op)
	return h
}

var errNetwork = errors.New("network unreachable")

// --- Failing store ---

// failingStore wraps a LocalStore and fails writes to one model on demand.
type failingStore struct {
	store.LocalStore
	mu        sync.Mutex
	failModel string
}

func (f *failingStore) setFail(modelName string) {
	f.mu.Lock()
	f.failModel = modelName
	f.mu.Unlock()
}

func (f *failingStore) shouldFail(modelName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failModel != "" && f.failModel == modelName
}

func (f *failingStore) Save(ctx context.Context, rec model.Record, initiator store.Initiator, pred *model.Predicate) (store.StorageChange, error) {
	if f.shouldFail(rec.Model) {
		return store.StorageChange{}, fmt.Errorf("disk full")
	}
	return f.LocalStore.Save(ctx, rec, initiator, pred)
}

func (f *failingStore) Delete(ctx context.Context, rec model.Record, initiator store.Initiator, pred *model.Predicate) (store.StorageChange, error) {
	if f.shouldFail(rec.Model) {
		return store.StorageChange{}, fmt.Errorf("disk full")
	}
	return f.LocalStore.Delete(ctx, rec, initiator, pred)
}

func localRecord(t *testing.T, s store.LocalStore, modelName, id string) (model.Record, bool) {
	t.Helper()
	recs, err := s.Query(context.Background(), modelName, model.IDEquals(id))
	require.NoError(t, err)
	if len(recs) == 0 {
		return model.Record{}, false
	}
	return recs[0], true
}
