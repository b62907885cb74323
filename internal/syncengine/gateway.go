package syncengine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
)

// Error types the remote backend reports in a response's error list.
const (
	ErrorTypeConflictUnhandled      = "ConflictUnhandled"
	ErrorTypeUnauthorized           = "Unauthorized"
	ErrorTypeConditionalCheckFailed = "ConditionalCheckFailed"
)

// GraphQLError is one entry of a response's error list. For conflicts the
// backend attaches its current version of the record.
type GraphQLError struct {
	Message       string                    `json:"message"`
	ErrorType     string                    `json:"errorType,omitempty"`
	ServerVersion *model.RecordWithMetadata `json:"data,omitempty"`
}

func (e GraphQLError) Error() string {
	if e.ErrorType == "" {
		return e.Message
	}
	return e.ErrorType + ": " + e.Message
}

// IsConflict reports whether the error is an unhandled version conflict.
func (e GraphQLError) IsConflict() bool {
	return e.ErrorType == ErrorTypeConflictUnhandled
}

// IsUnauthorized reports whether the error is an authorization failure.
func (e GraphQLError) IsUnauthorized() bool {
	return e.ErrorType == ErrorTypeUnauthorized
}

// Response is the result of a mutation or a subscription delivery. Transport
// failures are reported separately as a Go error; Errors holds failures the
// backend itself reported.
type Response struct {
	Data   *model.RecordWithMetadata `json:"data,omitempty"`
	Errors []GraphQLError            `json:"errors,omitempty"`
}

// HasErrors reports whether the backend returned errors.
func (r Response) HasErrors() bool {
	return len(r.Errors) > 0
}

// Conflict returns the first conflict error, if any.
func (r Response) Conflict() (GraphQLError, bool) {
	for _, e := range r.Errors {
		if e.IsConflict() {
			return e, true
		}
	}
	return GraphQLError{}, false
}

// Unauthorized reports whether any error is an authorization failure.
func (r Response) Unauthorized() bool {
	for _, e := range r.Errors {
		if e.IsUnauthorized() {
			return true
		}
	}
	return false
}

// Err folds the error list into a single error, or nil.
func (r Response) Err() error {
	if !r.HasErrors() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}

// SyncPage is one page of a sync query.
type SyncPage struct {
	Items     []model.RecordWithMetadata `json:"items"`
	NextToken string                     `json:"nextToken,omitempty"`
	Errors    []GraphQLError             `json:"errors,omitempty"`
}

// SubscriptionType selects which remote changes a subscription receives.
type SubscriptionType string

const (
	OnCreate SubscriptionType = "onCreate"
	OnUpdate SubscriptionType = "onUpdate"
	OnDelete SubscriptionType = "onDelete"
)

// SubscriptionTypes lists every subscription opened per model.
var SubscriptionTypes = []SubscriptionType{OnCreate, OnUpdate, OnDelete}

// SubscriptionHandler receives a subscription's lifecycle callbacks. OnStart
// fires once the backend acknowledges the subscription. After OnError or
// OnComplete no further callbacks fire.
type SubscriptionHandler struct {
	OnStart    func()
	OnNext     func(Response)
	OnError    func(error)
	OnComplete func()
}

// Cancelable stops an open subscription.
type Cancelable interface {
	Cancel()
}

// RemoteSyncGateway is the transport to the remote backend.
type RemoteSyncGateway interface {
	Create(ctx context.Context, rec model.Record) (Response, error)
	Update(ctx context.Context, rec model.Record, expectedVersion int, pred *model.Predicate) (Response, error)
	Delete(ctx context.Context, modelName, id string, expectedVersion int, pred *model.Predicate) (Response, error)
	// Sync returns changes after since, or everything when since is nil.
	Sync(ctx context.Context, modelName string, since *time.Time, nextToken string, limit int) (SyncPage, error)
	Subscribe(ctx context.Context, modelName string, op SubscriptionType, h SubscriptionHandler) (Cancelable, error)
}
