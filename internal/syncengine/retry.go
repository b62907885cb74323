package syncengine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of remote calls. The delay before retry n
// (0-based) is BaseDelay * 2^(n mod MaxExponent) plus up to MaxJitter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxExponent int
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts int
	MaxJitter   time.Duration
	// NonRetryable errors are returned immediately, matched with errors.Is.
	NonRetryable []error
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    200 * time.Millisecond,
		MaxExponent:  8,
		MaxAttempts:  5,
		MaxJitter:    100 * time.Millisecond,
		NonRetryable: DefaultNonRetryable(),
	}
}

// DefaultNonRetryable is the skip-list applied by DefaultRetryPolicy.
func DefaultNonRetryable() []error {
	return []error{
		ErrMutationRejected,
		ErrConflictRetryFailed,
		ErrConflictHandlerTimeout,
		ErrUnauthorized,
		ErrInvalidMutation,
		ErrNoVersion,
		ErrInconsistentMetadata,
		model.ErrValidation,
		context.Canceled,
	}
}

// Delay returns the wait before retry n, without jitter.
func (p RetryPolicy) Delay(n int) time.Duration {
	exp := p.MaxExponent
	if exp <= 0 {
		exp = 1
	}
	return p.BaseDelay * time.Duration(uint64(1)<<uint(n%exp))
}

// Backoff returns a go-retry backoff following the policy.
func (p RetryPolicy) Backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt)
		attempt++
		if p.MaxJitter > 0 {
			d += rand.N(p.MaxJitter)
		}
		return d, false
	})
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}

// Retryable reports whether err is eligible for another attempt.
func (p RetryPolicy) Retryable(err error) bool {
	for _, skip := range p.NonRetryable {
		if errors.Is(err, skip) {
			return false
		}
	}
	return true
}

// Do calls fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || !p.Retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}
