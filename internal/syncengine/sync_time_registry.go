package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/store"
)

// SyncType distinguishes a full (base) sync from an incremental (delta) one.
type SyncType string

const (
	SyncBase  SyncType = "BASE"
	SyncDelta SyncType = "DELTA"
)

// SyncMetadata is the per-model record of the last successful sync.
type SyncMetadata struct {
	Model        string     `json:"model"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	SyncType     SyncType   `json:"syncType,omitempty"`
}

// SyncTimeRegistry persists per-model sync times in the local store.
type SyncTimeRegistry struct {
	store store.LocalStore
}

// NewSyncTimeRegistry creates a registry over s.
func NewSyncTimeRegistry(s store.LocalStore) *SyncTimeRegistry {
	return &SyncTimeRegistry{store: s}
}

// Lookup returns the sync metadata for a model. A model never synced has a
// nil LastSyncTime.
func (r *SyncTimeRegistry) Lookup(ctx context.Context, modelName string) (SyncMetadata, error) {
	recs, err := r.store.Query(ctx, model.SyncMetadataModel, model.IDEquals(modelName))
	if err != nil {
		return SyncMetadata{}, fmt.Errorf("query sync time for %s: %w", modelName, err)
	}
	if len(recs) == 0 {
		return SyncMetadata{Model: modelName}, nil
	}

	var md SyncMetadata
	if err := model.DecodeFields(recs[0].Fields, &md); err != nil {
		return SyncMetadata{}, fmt.Errorf("decode sync time for %s: %w", modelName, err)
	}
	md.Model = modelName
	return md, nil
}

// Save records t as the model's last successful sync.
func (r *SyncTimeRegistry) Save(ctx context.Context, modelName string, t time.Time, kind SyncType) error {
	t = t.UTC()
	fields, err := model.EncodeFields(SyncMetadata{Model: modelName, LastSyncTime: &t, SyncType: kind})
	if err != nil {
		return fmt.Errorf("encode sync time for %s: %w", modelName, err)
	}
	rec := model.Record{Model: model.SyncMetadataModel, ID: modelName, Fields: fields}
	if _, err := r.store.Save(ctx, rec, store.InitiatorSyncEngine, nil); err != nil {
		return fmt.Errorf("save sync time for %s: %w", modelName, err)
	}
	return nil
}
