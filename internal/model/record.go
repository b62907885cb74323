// Package model defines the records the sync engine moves between the local
// replica and the remote backend, plus the schema registry that describes them.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved model names for engine bookkeeping. They live in the local store
// next to application records and are never synchronized.
const (
	RecordMetadataModel  = "__RecordMetadata"
	PendingMutationModel = "__PersistentRecordOfMutation"
	SyncMetadataModel    = "__SyncMetadata"
)

// IsSystemModel reports whether name is reserved for engine bookkeeping.
func IsSystemModel(name string) bool {
	return strings.HasPrefix(name, "__")
}

// MutationType is the kind of change a mutation applies.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// Valid reports whether t is one of the known mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// Record is an instance of an application model.
type Record struct {
	Model  string         `json:"model"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// NewRecord builds a record of the given model with a generated ID.
func NewRecord(modelName string, fields map[string]any) Record {
	return Record{Model: modelName, ID: NewID(), Fields: fields}
}

// Get returns a field value. The pseudo-field "id" resolves to the record ID.
func (r Record) Get(field string) (any, bool) {
	if field == "id" {
		return r.ID, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Clone returns a copy whose field map can be modified independently.
func (r Record) Clone() Record {
	out := Record{Model: r.Model, ID: r.ID}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// RecordMetadata is the sync bookkeeping for one record.
// A zero Version means the version is unknown.
type RecordMetadata struct {
	Model         string    `json:"model"`
	ID            string    `json:"id"`
	Version       int       `json:"version,omitempty"`
	LastChangedAt time.Time `json:"lastChangedAt"`
	Deleted       bool      `json:"deleted"`
}

// MetadataKey is the local-store ID of the metadata row for a record.
func MetadataKey(modelName, id string) string {
	return modelName + "|" + id
}

// Key returns the metadata row ID.
func (m RecordMetadata) Key() string {
	return MetadataKey(m.Model, m.ID)
}

// ToRecord encodes the metadata as a system record.
func (m RecordMetadata) ToRecord() (Record, error) {
	fields, err := EncodeFields(m)
	if err != nil {
		return Record{}, fmt.Errorf("encode record metadata: %w", err)
	}
	return Record{Model: RecordMetadataModel, ID: m.Key(), Fields: fields}, nil
}

// MetadataFromRecord decodes a system record written by ToRecord.
func MetadataFromRecord(r Record) (RecordMetadata, error) {
	var m RecordMetadata
	if r.Model != RecordMetadataModel {
		return m, fmt.Errorf("record %s is not record metadata (model %q)", r.ID, r.Model)
	}
	if err := DecodeFields(r.Fields, &m); err != nil {
		return m, fmt.Errorf("decode record metadata %s: %w", r.ID, err)
	}
	return m, nil
}

// RecordWithMetadata pairs a record with its sync metadata. It is the unit
// returned by the remote backend for mutations, sync queries and subscriptions.
type RecordWithMetadata struct {
	Record   Record         `json:"record"`
	Metadata RecordMetadata `json:"metadata"`
}

// EncodeFields converts a JSON-serializable value into a field map.
func EncodeFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// DecodeFields fills v from a field map produced by EncodeFields or read back
// from the store.
func DecodeFields(fields map[string]any, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
