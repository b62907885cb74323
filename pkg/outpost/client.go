// Package outpost is the host-application API of the sync engine: a local
// record store that is always readable and writable, and an engine that
// keeps it in step with a remote backend when started.
package outpost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/remote"
	"github.com/hyperengineering/outpost/internal/store"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

var (
	ErrClosed       = errors.New("client is closed")
	ErrUnknownModel = model.ErrUnknownModel
	ErrValidation   = model.ErrValidation
	ErrNotFound     = store.ErrNotFound
	// ErrPredicateNotSatisfied is returned when a conditional write does not
	// match the stored record.
	ErrPredicateNotSatisfied = store.ErrPredicateNotSatisfied
)

// Client is the outpost client.
type Client struct {
	config   Config
	registry *model.Registry
	store    *store.SQLiteStore
	hub      *events.Hub
	engine   *syncengine.Orchestrator

	mu          sync.RWMutex
	closed      bool
	stopForward context.CancelFunc
}

// New opens the local store and prepares the engine. Local writes are
// queued for sync from this point on, whether or not Start is called.
func New(config Config) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}

	reg := config.Registry
	if reg == nil {
		if config.SchemaPath == "" {
			return nil, errors.New("Registry or SchemaPath is required")
		}
		var err error
		if reg, err = model.LoadRegistryFile(config.SchemaPath); err != nil {
			return nil, err
		}
	}

	gateway := config.Gateway
	if gateway == nil && config.Endpoint != "" {
		rc, err := remote.NewClient(config.Endpoint, config.APIKey, config.RequestTimeout)
		if err != nil {
			return nil, err
		}
		gateway = rc
	}

	s, err := store.NewSQLiteStore(config.LocalPath)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	engine, err := syncengine.NewOrchestrator(engineOptions(config, s, gateway, reg, hub))
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := engine.StartLocal(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore outbox: %w", err)
	}

	return &Client{
		config:   config,
		registry: reg,
		store:    s,
		hub:      hub,
		engine:   engine,
	}, nil
}

func engineOptions(c Config, s store.LocalStore, gateway syncengine.RemoteSyncGateway, reg *model.Registry, hub *events.Hub) syncengine.Options {
	opts := syncengine.DefaultOptions()
	opts.Store = s
	opts.Gateway = gateway
	opts.Registry = reg
	opts.Events = hub
	opts.ConflictHandler = c.ConflictHandler

	if c.ConflictHandlerTimeout > 0 {
		opts.ConflictHandlerTimeout = c.ConflictHandlerTimeout
	}
	if c.BaseSyncInterval > 0 {
		opts.BaseSyncInterval = c.BaseSyncInterval
	}
	if c.ItemTimeout > 0 {
		opts.ItemTimeout = c.ItemTimeout
	}
	if c.SubscriptionTimeoutPerModel > 0 {
		opts.SubscriptionTimeoutPerModel = c.SubscriptionTimeoutPerModel
	}
	if c.SyncPageSize > 0 {
		opts.SyncPageSize = c.SyncPageSize
	}
	if c.SyncConcurrency > 0 {
		opts.SyncConcurrency = c.SyncConcurrency
	}
	if c.Retry != nil {
		opts.Retry = *c.Retry
	}
	return opts
}

// Start runs the sync engine. Without a remote it only confirms local
// operation.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.config.RedisURL != "" && c.stopForward == nil {
		if err := c.startForwarding(ctx); err != nil {
			return err
		}
	}
	return c.engine.Start(ctx)
}

func (c *Client) startForwarding(ctx context.Context) error {
	rc, err := events.NewRedisClient(ctx, c.config.RedisURL)
	if err != nil {
		return err
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sink := events.NewRedisSink(rc, c.config.RedisChannel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(fctx, c.hub)
	}()
	c.stopForward = func() {
		cancel()
		<-done
		rc.Close()
	}
	return nil
}

// Stop halts remote sync. Local reads and writes keep working; writes made
// while stopped are published after the next Start.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	return c.engine.Stop(ctx)
}

// Close stops the engine and closes the local store. Pending mutations
// survive in the store for the next client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.engine.Close(context.Background())
	if c.stopForward != nil {
		c.stopForward()
		c.stopForward = nil
	}
	c.hub.Close()
	return errors.Join(err, c.store.Close())
}

// Save creates or replaces a record. A missing ID is generated. With a
// predicate, an existing record must satisfy it.
func (c *Client) Save(ctx context.Context, rec Record, pred *Predicate) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Record{}, ErrClosed
	}
	if err := c.checkModel(rec.Model); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	if err := c.registry.Validate(rec); err != nil {
		return Record{}, err
	}

	change, err := c.store.Save(ctx, rec, store.InitiatorUser, pred)
	if err != nil {
		return Record{}, err
	}
	slog.Debug("record saved",
		"component", "outpost",
		"model", rec.Model,
		"record_id", rec.ID,
		"type", string(change.Type),
	)
	return change.Record, nil
}

// Delete removes a record. With a predicate, the stored record must
// satisfy it.
func (c *Client) Delete(ctx context.Context, modelName, id string, pred *Predicate) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.checkModel(modelName); err != nil {
		return err
	}

	if _, err := c.store.Delete(ctx, Record{Model: modelName, ID: id}, store.InitiatorUser, pred); err != nil {
		return err
	}
	slog.Debug("record deleted", "component", "outpost", "model", modelName, "record_id", id)
	return nil
}

// Query returns the records of a model matching pred, ordered by ID.
func (c *Client) Query(ctx context.Context, modelName string, pred *Predicate) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if err := c.checkModel(modelName); err != nil {
		return nil, err
	}
	return c.store.Query(ctx, modelName, pred)
}

// Get returns one record, or ErrNotFound.
func (c *Client) Get(ctx context.Context, modelName, id string) (Record, error) {
	recs, err := c.Query(ctx, modelName, model.IDEquals(id))
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("get %s %s: %w", modelName, id, ErrNotFound)
	}
	return recs[0], nil
}

// Events subscribes to engine announcements, optionally filtered by name.
// The returned func cancels the subscription.
func (c *Client) Events(names ...EventName) (<-chan Event, func()) {
	return c.hub.Subscribe(names...)
}

// Status reports coarse sync state.
func (c *Client) Status() Status {
	return c.engine.Status()
}

// PendingMutations lists queued mutations in publish order.
func (c *Client) PendingMutations() []PendingMutation {
	return c.engine.Outbox().Pending()
}

// Registry returns the synchronized models.
func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) checkModel(name string) error {
	if model.IsSystemModel(name) || !c.registry.Has(name) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return nil
}
