package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
)

// MergeOutcome describes what a merge did to the local store.
type MergeOutcome int

const (
	MergeSkipped MergeOutcome = iota
	MergeCreated
	MergeUpdated
	MergeDeleted
	MergeMetadataOnly
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeCreated:
		return "created"
	case MergeUpdated:
		return "updated"
	case MergeDeleted:
		return "deleted"
	case MergeMetadataOnly:
		return "metadata_only"
	}
	return "skipped"
}

// pendingChecker is the part of the outbox the merger consults.
type pendingChecker interface {
	HasPendingMutation(modelName, id string) bool
}

// Merger applies remote records to the local store. All of its writes are
// attributed to the sync engine.
type Merger struct {
	store    store.LocalStore
	versions *VersionRegistry
	outbox   pendingChecker
	events   events.Publisher
}

// NewMerger creates a merger.
func NewMerger(s store.LocalStore, versions *VersionRegistry, outbox pendingChecker, pub events.Publisher) *Merger {
	return &Merger{store: s, versions: versions, outbox: outbox, events: pub}
}

// Merge applies item. Items no newer than the locally known version are
// skipped. When a local mutation for the record is still pending, only the
// metadata is recorded so the unsent local change survives.
func (m *Merger) Merge(ctx context.Context, item model.RecordWithMetadata) (MergeOutcome, error) {
	md := item.Metadata
	rec := item.Record
	if md.Model == "" {
		md.Model = rec.Model
	}
	if md.ID == "" {
		md.ID = rec.ID
	}
	if rec.Model == "" || rec.ID == "" || md.Model != rec.Model || md.ID != rec.ID {
		return MergeSkipped, fmt.Errorf("merge: record %s/%s does not match metadata %s/%s", rec.Model, rec.ID, md.Model, md.ID)
	}

	current, known, err := m.versions.Lookup(ctx, md.Model, md.ID)
	if err != nil {
		return MergeSkipped, err
	}
	if known && md.Version > 0 && md.Version <= current.Version {
		slog.Debug("skipping stale remote record",
			"component", "merger",
			"model", md.Model,
			"record_id", md.ID,
			"incoming_version", md.Version,
			"local_version", current.Version,
		)
		return MergeSkipped, nil
	}

	outcome := MergeMetadataOnly
	if !m.outbox.HasPendingMutation(md.Model, md.ID) {
		outcome, err = m.apply(ctx, rec, md.Deleted)
		if err != nil {
			return MergeSkipped, err
		}
	}

	if err := m.versions.Save(ctx, md); err != nil {
		return MergeSkipped, err
	}

	slog.Debug("merged remote record",
		"component", "merger",
		"model", md.Model,
		"record_id", md.ID,
		"version", md.Version,
		"outcome", outcome.String(),
	)
	events.Announce(m.events, events.SyncReceived, events.MutationData{
		Model:    md.Model,
		RecordID: md.ID,
		Type:     outcome.String(),
		Version:  md.Version,
	})
	return outcome, nil
}

func (m *Merger) apply(ctx context.Context, rec model.Record, deleted bool) (MergeOutcome, error) {
	existing, err := m.store.Query(ctx, rec.Model, model.IDEquals(rec.ID))
	if err != nil {
		return MergeSkipped, fmt.Errorf("merge %s %s: %w", rec.Model, rec.ID, err)
	}

	if deleted {
		if len(existing) == 0 {
			return MergeDeleted, nil
		}
		_, err := m.store.Delete(ctx, rec, store.InitiatorSyncEngine, nil)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return MergeSkipped, fmt.Errorf("merge delete %s %s: %w", rec.Model, rec.ID, err)
		}
		return MergeDeleted, nil
	}

	if _, err := m.store.Save(ctx, rec, store.InitiatorSyncEngine, nil); err != nil {
		return MergeSkipped, fmt.Errorf("merge save %s %s: %w", rec.Model, rec.ID, err)
	}
	if len(existing) == 0 {
		return MergeCreated, nil
	}
	return MergeUpdated, nil
}
