package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
	"golang.org/x/sync/errgroup"
)

// Mode is whether the engine talks to a backend.
type Mode string

const (
	ModeLocalOnly  Mode = "LOCAL_ONLY"
	ModeSyncRemote Mode = "SYNC_VIA_API"
)

// Options configures an Orchestrator. Store and Registry are required; a
// nil Gateway runs the engine in local-only mode, where local changes are
// still queued for a later run.
type Options struct {
	Store    store.LocalStore
	Gateway  RemoteSyncGateway
	Registry *model.Registry
	Events   events.Publisher

	ConflictHandler        ConflictHandler
	ConflictHandlerTimeout time.Duration

	BaseSyncInterval            time.Duration
	ItemTimeout                 time.Duration
	SubscriptionTimeoutPerModel time.Duration
	SyncPageSize                int
	SyncConcurrency             int

	Retry RetryPolicy
}

// DefaultOptions returns the timing defaults. Callers still set Store,
// Registry and usually Gateway.
func DefaultOptions() Options {
	return Options{
		ConflictHandlerTimeout:      30 * time.Second,
		BaseSyncInterval:            24 * time.Hour,
		ItemTimeout:                 2 * time.Minute,
		SubscriptionTimeoutPerModel: 5 * time.Second,
		SyncPageSize:                1000,
		SyncConcurrency:             4,
		Retry:                       DefaultRetryPolicy(),
	}
}

// healthyRun is how long the remote half must stay up after hydration
// before the restart backoff starts over.
const healthyRun = 30 * time.Second

// Status is the coarse sync state exposed to host applications.
type Status struct {
	Mode                     Mode      `json:"mode"`
	Started                  bool      `json:"started"`
	RemoteActive             bool      `json:"remoteActive"`
	OutboxEmpty              bool      `json:"outboxEmpty"`
	PendingMutations         int       `json:"pendingMutations"`
	SubscriptionsEstablished bool      `json:"subscriptionsEstablished"`
	LastHydration            time.Time `json:"lastHydration,omitempty"`
	LastError                string    `json:"lastError,omitempty"`
}

// Orchestrator wires the engine's components and owns their lifecycle.
type Orchestrator struct {
	opts Options

	versions      *VersionRegistry
	syncTimes     *SyncTimeRegistry
	outbox        *MutationOutbox
	observer      *StorageObserver
	merger        *Merger
	mutations     *MutationProcessor
	hydrator      *SyncProcessor
	subscriptions *SubscriptionProcessor

	healthyRun time.Duration

	mu            sync.Mutex
	localStarted  bool
	closed        bool
	cancel        context.CancelFunc
	done          chan struct{}
	remoteActive  bool
	lastHydration time.Time
	lastErr       error
}

// NewOrchestrator validates opts and builds every component. Nothing runs
// until Start.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, errors.New("orchestrator: at least one model must be registered")
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	o := &Orchestrator{opts: opts, healthyRun: healthyRun}
	o.versions = NewVersionRegistry(opts.Store)
	o.syncTimes = NewSyncTimeRegistry(opts.Store)
	o.outbox = NewMutationOutbox(opts.Store, opts.Events)
	o.observer = NewStorageObserver(opts.Store, o.outbox, opts.Registry)
	o.merger = NewMerger(opts.Store, o.versions, o.outbox, opts.Events)

	if opts.Gateway != nil {
		ordering := NewTopologicalOrdering(opts.Registry)
		resolver := NewConflictResolver(opts.ConflictHandler, opts.Gateway, o.versions, o.syncTimes, opts.ConflictHandlerTimeout)
		o.mutations = NewMutationProcessor(o.outbox, o.merger, o.versions, opts.Gateway, resolver, opts.Events, opts.ItemTimeout, opts.Retry)
		o.hydrator = NewSyncProcessor(opts.Registry, ordering, o.syncTimes, opts.Gateway, o.merger, opts.Events, SyncProcessorConfig{
			BaseSyncInterval: opts.BaseSyncInterval,
			PageSize:         opts.SyncPageSize,
			Concurrency:      opts.SyncConcurrency,
			Retry:            opts.Retry,
		})
		o.subscriptions = NewSubscriptionProcessor(opts.Registry, opts.Gateway, o.merger, opts.Events, opts.SubscriptionTimeoutPerModel)
	}
	return o, nil
}

// Outbox exposes the mutation outbox for inspection.
func (o *Orchestrator) Outbox() *MutationOutbox {
	return o.outbox
}

// Versions exposes the version registry.
func (o *Orchestrator) Versions() *VersionRegistry {
	return o.versions
}

// Mode reports whether a gateway is configured.
func (o *Orchestrator) Mode() Mode {
	if o.opts.Gateway == nil {
		return ModeLocalOnly
	}
	return ModeSyncRemote
}

// StartLocal restores the outbox from storage and begins turning local
// writes into pending mutations. Start calls it; hosts that accept writes
// before starting sync call it earlier.
func (o *Orchestrator) StartLocal(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocalLocked(ctx)
}

func (o *Orchestrator) startLocalLocked(ctx context.Context) error {
	if o.closed {
		return ErrStopped
	}
	if o.localStarted {
		return nil
	}
	if err := o.outbox.Load(ctx); err != nil {
		return err
	}
	o.observer.Start(context.WithoutCancel(ctx))
	o.localStarted = true
	return nil
}

// Start runs the engine. With a gateway it starts a supervisor that opens
// subscriptions, hydrates, then drains the outbox and the subscription
// buffer, restarting the whole sequence with backoff after any failure.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.startLocalLocked(ctx); err != nil {
		return err
	}
	if o.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	o.cancel = cancel
	o.done = done

	if o.opts.Gateway == nil {
		close(done)
		slog.Info("sync engine started", "component", "orchestrator", "mode", string(ModeLocalOnly))
		events.Announce(o.opts.Events, events.Ready, nil)
		return nil
	}

	go func() {
		defer close(done)
		o.supervise(runCtx)
	}()
	slog.Info("sync engine started", "component", "orchestrator", "mode", string(ModeSyncRemote))
	return nil
}

func (o *Orchestrator) supervise(ctx context.Context) {
	attempt := 0
	for {
		activeSince, err := o.runRemote(ctx)
		o.setRemoteActive(false)
		if ctx.Err() != nil {
			return
		}
		// A failure right after hydration, such as a mutation the backend
		// keeps rejecting, keeps backing off.
		if !activeSince.IsZero() && time.Since(activeSince) >= o.healthyRun {
			attempt = 0
		}

		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()

		delay := o.opts.Retry.Delay(attempt)
		if delay <= 0 {
			delay = time.Second
		}
		attempt++
		slog.Warn("remote sync interrupted, restarting",
			"component", "orchestrator",
			"error", err,
			"retry_in", delay.String(),
		)
		events.Announce(o.opts.Events, events.NetworkStatus, events.NetworkStatusData{Active: false})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runRemote performs one start-up sequence and then blocks in the drain
// loops. It returns when hydration completed, or the zero time if it did
// not.
func (o *Orchestrator) runRemote(ctx context.Context) (time.Time, error) {
	defer o.subscriptions.Stop()

	if err := o.subscriptions.Start(ctx); err != nil {
		return time.Time{}, fmt.Errorf("start subscriptions: %w", err)
	}
	if err := o.hydrator.Hydrate(ctx); err != nil {
		return time.Time{}, fmt.Errorf("hydrate: %w", err)
	}

	activeSince := time.Now()
	o.mu.Lock()
	o.lastHydration = activeSince.UTC()
	o.lastErr = nil
	o.mu.Unlock()
	o.setRemoteActive(true)
	events.Announce(o.opts.Events, events.NetworkStatus, events.NetworkStatusData{Active: true})
	events.Announce(o.opts.Events, events.Ready, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.mutations.Drain(gctx)
	})
	g.Go(func() error {
		return o.subscriptions.Drain(gctx)
	})
	return activeSince, g.Wait()
}

func (o *Orchestrator) setRemoteActive(active bool) {
	o.mu.Lock()
	o.remoteActive = active
	o.mu.Unlock()
}

// Stop halts remote sync and waits for the workers to exit. Queued
// mutations stay in durable storage. Local writes keep being queued until
// Close.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync engine to stop: %w", ctx.Err())
	}
	if o.subscriptions != nil {
		o.subscriptions.Stop()
	}
	o.setRemoteActive(false)
	slog.Info("sync engine stopped", "component", "orchestrator")
	return nil
}

// Close stops the engine and the local change observer. A closed engine
// cannot be started again.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Stop(ctx)
	o.observer.Stop()
	o.mu.Lock()
	o.localStarted = false
	o.closed = true
	o.mu.Unlock()
	return err
}

// Status reports coarse sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		Mode:          o.Mode(),
		Started:       o.cancel != nil,
		RemoteActive:  o.remoteActive,
		LastHydration: o.lastHydration,
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	o.mu.Unlock()

	s.PendingMutations = o.outbox.Len()
	s.OutboxEmpty = s.PendingMutations == 0
	if o.subscriptions != nil {
		s.SubscriptionsEstablished = o.subscriptions.Established()
	}
	return s
}
