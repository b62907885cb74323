package syncengine

import "errors"

var (
	// Outbox coalescing rejections.
	ErrDuplicateCreate   = errors.New("record already has a pending create")
	ErrCreateAfterDelete = errors.New("cannot create a record that has a pending delete")
	ErrUpdateAfterDelete = errors.New("cannot update a record that has a pending delete")

	ErrMutationNotFound = errors.New("pending mutation not found")
	ErrInvalidMutation  = errors.New("invalid pending mutation")

	ErrNoVersion            = errors.New("no version known for record")
	ErrInconsistentMetadata = errors.New("more than one metadata row for record")

	// ErrMutationRejected wraps a non-conflict error returned by the remote
	// backend for a mutation. It is never retried.
	ErrMutationRejected       = errors.New("mutation rejected by remote")
	ErrConflictRetryFailed    = errors.New("republishing conflict resolution failed")
	ErrConflictHandlerTimeout = errors.New("conflict handler did not decide in time")
	ErrEmptyResponse          = errors.New("remote response carried no data")

	ErrUnauthorized       = errors.New("not authorized")
	ErrSubscriptionFailed = errors.New("subscription failed")

	ErrStopped = errors.New("sync engine stopped")
)
