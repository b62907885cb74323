package outpost

import (
	"time"

	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
)

// Data model.
type (
	Record             = model.Record
	RecordMetadata     = model.RecordMetadata
	RecordWithMetadata = model.RecordWithMetadata
	Predicate          = model.Predicate
	Operator           = model.Operator
	Condition          = model.Condition
	ModelSchema        = model.ModelSchema
	Field              = model.Field
	Association        = model.Association
	Registry           = model.Registry
)

// Engine types.
type (
	Status                     = syncengine.Status
	PendingMutation            = syncengine.PendingMutation
	ConflictHandler            = syncengine.ConflictHandler
	ConflictHandlerFunc        = syncengine.ConflictHandlerFunc
	ConflictData               = syncengine.ConflictData
	ConflictResolutionDecision = syncengine.ConflictResolutionDecision
	RetryPolicy                = syncengine.RetryPolicy
	Gateway                    = syncengine.RemoteSyncGateway
	Event                      = events.Event
	EventName                  = events.Name
)

// Config holds the outpost client configuration.
type Config struct {
	LocalPath string // Local database path (required)

	// Models to synchronize. Registry wins over SchemaPath.
	Registry   *Registry
	SchemaPath string

	// Remote backend. Gateway wins over Endpoint; neither means local-only.
	Gateway        Gateway
	Endpoint       string
	APIKey         string
	RequestTimeout time.Duration

	// Nil applies the remote copy on conflict.
	ConflictHandler ConflictHandler

	// Zero values keep the engine defaults.
	ConflictHandlerTimeout      time.Duration
	BaseSyncInterval            time.Duration
	ItemTimeout                 time.Duration
	SubscriptionTimeoutPerModel time.Duration
	SyncPageSize                int
	SyncConcurrency             int
	Retry                       *RetryPolicy

	// Forward events to Redis pub/sub when set.
	RedisURL     string
	RedisChannel string
}

// NewRecord builds a record of modelName with a generated ID.
func NewRecord(modelName string, fields map[string]any) Record {
	return model.NewRecord(modelName, fields)
}

// Where starts a predicate.
func Where(field string, op Operator, value any) *Predicate {
	return model.Where(field, op, value)
}

// Predicate operators.
const (
	OpEq         = model.OpEq
	OpNe         = model.OpNe
	OpGt         = model.OpGt
	OpGe         = model.OpGe
	OpLt         = model.OpLt
	OpLe         = model.OpLe
	OpContains   = model.OpContains
	OpBeginsWith = model.OpBeginsWith
)

// Conflict decisions.
var (
	ApplyRemote = syncengine.ApplyRemote
	RetryLocal  = syncengine.RetryLocal
	Retry       = syncengine.Retry
)
