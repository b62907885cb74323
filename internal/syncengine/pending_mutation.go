package syncengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/validation"
	"github.com/oklog/ulid/v2"
)

// PendingMutation is a local change waiting to be published.
type PendingMutation struct {
	MutationID string             `json:"mutationId"`
	Record     model.Record       `json:"record"`
	Type       model.MutationType `json:"type"`
	Predicate  *model.Predicate   `json:"predicate,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// NewMutationID returns a time-ordered, lexically sortable mutation ID.
func NewMutationID() string {
	return ulid.Make().String()
}

// NewPendingMutation stages a change with a fresh mutation ID.
func NewPendingMutation(rec model.Record, kind model.MutationType, pred *model.Predicate) PendingMutation {
	return PendingMutation{
		MutationID: NewMutationID(),
		Record:     rec,
		Type:       kind,
		Predicate:  pred,
		CreatedAt:  time.Now().UTC(),
	}
}

// Model returns the mutated record's model name.
func (m PendingMutation) Model() string {
	return m.Record.Model
}

// RecordKey identifies the mutated record across models.
func (m PendingMutation) RecordKey() string {
	return recordKey(m.Record.Model, m.Record.ID)
}

func recordKey(modelName, id string) string {
	return model.MetadataKey(modelName, id)
}

// Validate checks the fields the outbox relies on.
func (m PendingMutation) Validate() error {
	var c validation.Collector
	c.Add(validation.ValidateULID("mutationId", m.MutationID))
	c.Add(validation.ValidateRequired("record.model", m.Record.Model))
	c.Add(validation.ValidateRequired("record.id", m.Record.ID))
	c.Add(validation.ValidateEnum("type", string(m.Type),
		[]string{string(model.MutationCreate), string(model.MutationUpdate), string(model.MutationDelete)}))
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	if err := m.Predicate.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	return nil
}

// persistentMutation is the durable form of a PendingMutation. It is stored
// as a system record whose ID is the mutation ID, so reading the table back
// in ID order restores FIFO order.
type persistentMutation struct {
	ContainedModelID       string `json:"containedModelId"`
	ContainedModelName     string `json:"containedModelName"`
	SerializedMutationData string `json:"serializedMutationData"`
}

// ToPersistentRecord encodes the mutation for the local store.
func (m PendingMutation) ToPersistentRecord() (model.Record, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return model.Record{}, fmt.Errorf("serialize mutation %s: %w", m.MutationID, err)
	}
	fields, err := model.EncodeFields(persistentMutation{
		ContainedModelID:       m.Record.ID,
		ContainedModelName:     m.Record.Model,
		SerializedMutationData: string(data),
	})
	if err != nil {
		return model.Record{}, fmt.Errorf("encode mutation %s: %w", m.MutationID, err)
	}
	return model.Record{Model: model.PendingMutationModel, ID: m.MutationID, Fields: fields}, nil
}

// PendingMutationFromRecord decodes a record written by ToPersistentRecord.
func PendingMutationFromRecord(rec model.Record) (PendingMutation, error) {
	var pm persistentMutation
	if err := model.DecodeFields(rec.Fields, &pm); err != nil {
		return PendingMutation{}, fmt.Errorf("decode persistent mutation %s: %w", rec.ID, err)
	}
	var m PendingMutation
	if err := json.Unmarshal([]byte(pm.SerializedMutationData), &m); err != nil {
		return PendingMutation{}, fmt.Errorf("deserialize mutation %s: %w", rec.ID, err)
	}
	if m.MutationID != rec.ID || m.Record.ID != pm.ContainedModelID || m.Record.Model != pm.ContainedModelName {
		return PendingMutation{}, fmt.Errorf("%w: persistent record %s does not match its payload", ErrInvalidMutation, rec.ID)
	}
	return m, nil
}
