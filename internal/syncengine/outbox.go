package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
)

// OutboxEvent is a notification emitted by the outbox.
type OutboxEvent string

// OutboxContentAvailable signals that work may be available. Receivers must
// re-peek; the queue may have changed since the signal was sent.
const OutboxContentAvailable OutboxEvent = "CONTENT_AVAILABLE"

// MutationOutbox is the durable, de-duplicating queue of local mutations
// awaiting publication. Every mutation is persisted before the in-memory
// queue changes, so a storage failure leaves the queue untouched.
type MutationOutbox struct {
	store  store.LocalStore
	events events.Publisher

	mu       sync.Mutex
	queue    *mutationQueue
	inFlight map[string]bool

	signal chan OutboxEvent
}

// NewMutationOutbox creates an empty outbox. Call Load to restore mutations
// persisted by an earlier run.
func NewMutationOutbox(s store.LocalStore, pub events.Publisher) *MutationOutbox {
	return &MutationOutbox{
		store:    s,
		events:   pub,
		queue:    newMutationQueue(),
		inFlight: make(map[string]bool),
		signal:   make(chan OutboxEvent, 1),
	}
}

// Events returns the content-available signal channel. Signals coalesce: at
// most one is buffered.
func (o *MutationOutbox) Events() <-chan OutboxEvent {
	return o.signal
}

func (o *MutationOutbox) notify() {
	select {
	case o.signal <- OutboxContentAvailable:
	default:
	}
}

// Enqueue stages a mutation, coalescing it with a pending mutation for the
// same record when one exists and is not already being published.
func (o *MutationOutbox) Enqueue(ctx context.Context, m PendingMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	existing, ok := o.queue.latestFor(m.RecordKey())
	if !ok || o.inFlight[existing.MutationID] {
		return o.appendLocked(ctx, m)
	}

	switch existing.Type {
	case model.MutationCreate:
		switch m.Type {
		case model.MutationCreate:
			return fmt.Errorf("%s %s: %w", m.Model(), m.Record.ID, ErrDuplicateCreate)
		case model.MutationUpdate:
			// Still unsent: publish the newer data as the original create.
			return o.overwriteLocked(ctx, existing, m.Record, model.MutationCreate, existing.Predicate)
		case model.MutationDelete:
			// Never sent, so the remote never needs to hear about it.
			return o.removeLocked(ctx, existing.MutationID)
		}
	case model.MutationUpdate:
		switch m.Type {
		case model.MutationCreate:
			return fmt.Errorf("%s %s: %w", m.Model(), m.Record.ID, ErrDuplicateCreate)
		case model.MutationUpdate:
			return o.overwriteLocked(ctx, existing, m.Record, model.MutationUpdate, m.Predicate)
		case model.MutationDelete:
			return o.overwriteLocked(ctx, existing, m.Record, model.MutationDelete, m.Predicate)
		}
	case model.MutationDelete:
		switch m.Type {
		case model.MutationCreate:
			return fmt.Errorf("%s %s: %w", m.Model(), m.Record.ID, ErrCreateAfterDelete)
		case model.MutationUpdate:
			return fmt.Errorf("%s %s: %w", m.Model(), m.Record.ID, ErrUpdateAfterDelete)
		case model.MutationDelete:
			return nil
		}
	}
	return fmt.Errorf("%w: unknown mutation type %q", ErrInvalidMutation, m.Type)
}

func (o *MutationOutbox) persistLocked(ctx context.Context, m PendingMutation) error {
	rec, err := m.ToPersistentRecord()
	if err != nil {
		return err
	}
	if _, err := o.store.Save(ctx, rec, store.InitiatorSyncEngine, nil); err != nil {
		return fmt.Errorf("persist mutation %s: %w", m.MutationID, err)
	}
	return nil
}

func (o *MutationOutbox) appendLocked(ctx context.Context, m PendingMutation) error {
	if err := o.persistLocked(ctx, m); err != nil {
		return err
	}
	wasEmpty := o.queue.len() == 0
	o.queue.pushBack(m)

	slog.Debug("mutation enqueued",
		"component", "outbox",
		"model", m.Model(),
		"record_id", m.Record.ID,
		"mutation_id", m.MutationID,
		"type", string(m.Type),
	)
	events.Announce(o.events, events.OutboxMutationEnqueued, mutationData(m))
	if wasEmpty {
		events.Announce(o.events, events.OutboxStatus, events.OutboxStatusData{IsEmpty: false})
	}
	o.notify()
	return nil
}

func (o *MutationOutbox) overwriteLocked(ctx context.Context, existing PendingMutation, rec model.Record, kind model.MutationType, pred *model.Predicate) error {
	updated := existing
	updated.Record = rec
	updated.Type = kind
	updated.Predicate = pred
	if err := o.persistLocked(ctx, updated); err != nil {
		return err
	}
	o.queue.replace(updated)

	slog.Debug("mutation coalesced",
		"component", "outbox",
		"model", updated.Model(),
		"record_id", updated.Record.ID,
		"mutation_id", updated.MutationID,
		"type", string(updated.Type),
	)
	events.Announce(o.events, events.OutboxMutationEnqueued, mutationData(updated))
	o.notify()
	return nil
}

// Remove deletes a mutation from durable storage and from the queue.
func (o *MutationOutbox) Remove(ctx context.Context, mutationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(ctx, mutationID)
}

func (o *MutationOutbox) removeLocked(ctx context.Context, mutationID string) error {
	m, ok := o.queue.get(mutationID)
	if !ok {
		return fmt.Errorf("remove %s: %w", mutationID, ErrMutationNotFound)
	}
	rec := model.Record{Model: model.PendingMutationModel, ID: mutationID}
	if _, err := o.store.Delete(ctx, rec, store.InitiatorSyncEngine, nil); err != nil {
		return fmt.Errorf("delete persisted mutation %s: %w", mutationID, err)
	}
	o.queue.remove(mutationID)
	delete(o.inFlight, mutationID)

	slog.Debug("mutation removed",
		"component", "outbox",
		"model", m.Model(),
		"record_id", m.Record.ID,
		"mutation_id", mutationID,
	)
	if o.queue.len() == 0 {
		events.Announce(o.events, events.OutboxStatus, events.OutboxStatusData{IsEmpty: true})
	}
	return nil
}

// Peek returns the oldest pending mutation without removing it.
func (o *MutationOutbox) Peek() (PendingMutation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.head()
}

// HasPendingMutation reports whether any mutation for the record is queued.
func (o *MutationOutbox) HasPendingMutation(modelName, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.queue.latestFor(recordKey(modelName, id))
	return ok
}

// MarkInFlight flags a mutation as being published. Later mutations for the
// same record are queued separately instead of coalescing into it.
func (o *MutationOutbox) MarkInFlight(mutationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queue.get(mutationID); !ok {
		return fmt.Errorf("mark in flight %s: %w", mutationID, ErrMutationNotFound)
	}
	o.inFlight[mutationID] = true
	return nil
}

// ReleaseInFlight clears the in-flight flag after a failed publish.
func (o *MutationOutbox) ReleaseInFlight(mutationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, mutationID)
}

// Len returns the number of queued mutations.
func (o *MutationOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.len()
}

// Pending returns a snapshot of the queue in publication order.
func (o *MutationOutbox) Pending() []PendingMutation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.all()
}

// Load rebuilds the queue from durable storage. Mutations found there keep
// their FIFO order; any in-flight marks from before are cleared.
func (o *MutationOutbox) Load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	recs, err := o.store.Query(ctx, model.PendingMutationModel, nil)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	loaded := make([]PendingMutation, 0, len(recs))
	for _, rec := range recs {
		m, err := PendingMutationFromRecord(rec)
		if err != nil {
			return fmt.Errorf("load outbox: %w", err)
		}
		loaded = append(loaded, m)
	}

	o.queue.reset()
	clear(o.inFlight)
	for _, m := range loaded {
		o.queue.pushBack(m)
	}

	slog.Info("outbox loaded", "component", "outbox", "pending", len(loaded))
	events.Announce(o.events, events.OutboxStatus, events.OutboxStatusData{IsEmpty: len(loaded) == 0})
	if len(loaded) > 0 {
		o.notify()
	}
	return nil
}

func mutationData(m PendingMutation) events.MutationData {
	return events.MutationData{
		Model:      m.Model(),
		RecordID:   m.Record.ID,
		MutationID: m.MutationID,
		Type:       string(m.Type),
	}
}
