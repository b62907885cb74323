package store

import "errors"

var (
	ErrNotFound              = errors.New("record not found")
	ErrPredicateNotSatisfied = errors.New("record does not satisfy the condition")
	ErrInvalidRecord         = errors.New("record must have a model and an id")
	ErrClosed                = errors.New("store is closed")
)
