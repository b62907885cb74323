package syncengine

import (
	"context"
	"fmt"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
)

// VersionRegistry reads and writes per-record sync metadata kept in the
// local store.
type VersionRegistry struct {
	store store.LocalStore
}

// NewVersionRegistry creates a registry over s.
func NewVersionRegistry(s store.LocalStore) *VersionRegistry {
	return &VersionRegistry{store: s}
}

// Lookup returns the metadata for a record, if any.
func (r *VersionRegistry) Lookup(ctx context.Context, modelName, id string) (model.RecordMetadata, bool, error) {
	recs, err := r.store.Query(ctx, model.RecordMetadataModel, model.IDEquals(model.MetadataKey(modelName, id)))
	if err != nil {
		return model.RecordMetadata{}, false, fmt.Errorf("query metadata for %s %s: %w", modelName, id, err)
	}
	switch len(recs) {
	case 0:
		return model.RecordMetadata{}, false, nil
	case 1:
	default:
		return model.RecordMetadata{}, false, fmt.Errorf("%s %s: %w", modelName, id, ErrInconsistentMetadata)
	}
	md, err := model.MetadataFromRecord(recs[0])
	if err != nil {
		return model.RecordMetadata{}, false, err
	}
	return md, true, nil
}

// FindVersion returns the last version seen from the backend for a record.
func (r *VersionRegistry) FindVersion(ctx context.Context, modelName, id string) (int, error) {
	md, ok, err := r.Lookup(ctx, modelName, id)
	if err != nil {
		return 0, err
	}
	if !ok || md.Version <= 0 {
		return 0, fmt.Errorf("%s %s: %w", modelName, id, ErrNoVersion)
	}
	return md.Version, nil
}

// Save writes metadata as a sync-engine change.
func (r *VersionRegistry) Save(ctx context.Context, md model.RecordMetadata) error {
	rec, err := md.ToRecord()
	if err != nil {
		return err
	}
	if _, err := r.store.Save(ctx, rec, store.InitiatorSyncEngine, nil); err != nil {
		return fmt.Errorf("save metadata for %s %s: %w", md.Model, md.ID, err)
	}
	return nil
}
