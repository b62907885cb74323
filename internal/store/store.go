// Package store is the durable local replica. Application records and the
// sync engine's bookkeeping records share one store; every write is tagged
// with the initiator so observers can tell user edits from engine writes.
package store

import (
	"context"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
)

// Initiator identifies who caused a storage change.
type Initiator string

const (
	// InitiatorUser marks writes made through the application API.
	InitiatorUser Initiator = "DATASTORE_API"
	// InitiatorSyncEngine marks writes made by the sync engine itself.
	InitiatorSyncEngine Initiator = "SYNC_ENGINE"
)

// StorageChange describes one committed write.
type StorageChange struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	Type      model.MutationType `json:"type"`
	Record    model.Record       `json:"record"`
	Initiator Initiator          `json:"initiator"`
	Predicate *model.Predicate   `json:"predicate,omitempty"`
	Time      time.Time          `json:"time"`
}

// LocalStore is the contract the sync engine needs from the local replica.
type LocalStore interface {
	// Save creates or replaces a record. When the record exists and pred is
	// non-empty, the existing record must satisfy pred.
	Save(ctx context.Context, rec model.Record, initiator Initiator, pred *model.Predicate) (StorageChange, error)
	// Delete removes a record, returning ErrNotFound if it does not exist.
	Delete(ctx context.Context, rec model.Record, initiator Initiator, pred *model.Predicate) (StorageChange, error)
	// Query returns the records of a model matching pred, ordered by ID.
	Query(ctx context.Context, modelName string, pred *model.Predicate) ([]model.Record, error)
	// Observe subscribes to committed changes. The returned func cancels the
	// subscription and closes the channel.
	Observe() (<-chan StorageChange, func())
}
