package syncengine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
)

// StorageObserver turns user writes to the local store into pending
// mutations. Writes made by the sync engine are ignored so merged remote
// changes are never echoed back.
type StorageObserver struct {
	store    store.LocalStore
	outbox   *MutationOutbox
	registry *model.Registry

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewStorageObserver creates an observer feeding outbox.
func NewStorageObserver(s store.LocalStore, outbox *MutationOutbox, reg *model.Registry) *StorageObserver {
	return &StorageObserver{store: s, outbox: outbox, registry: reg}
}

// Start begins observing. It is a no-op if already started.
func (o *StorageObserver) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	changes, unsubscribe := o.store.Observe()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel = func() {
		cancel()
		unsubscribe()
	}
	o.done = done

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				o.handle(ctx, change)
			}
		}
	}()
}

// Stop ends observation and waits for the in-progress change to finish.
func (o *StorageObserver) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *StorageObserver) handle(ctx context.Context, change store.StorageChange) {
	if change.Initiator == store.InitiatorSyncEngine || model.IsSystemModel(change.Model) {
		return
	}
	if !o.registry.Has(change.Model) {
		slog.Debug("ignoring change to unregistered model",
			"component", "storage-observer",
			"model", change.Model,
		)
		return
	}

	m := NewPendingMutation(change.Record, change.Type, change.Predicate)
	if err := o.outbox.Enqueue(context.WithoutCancel(ctx), m); err != nil {
		slog.Error("failed to enqueue local change",
			"component", "storage-observer",
			"model", change.Model,
			"record_id", change.Record.ID,
			"type", string(change.Type),
			"error", err,
		)
	}
}
