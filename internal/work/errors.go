package work

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("worker pool stopped")
	ErrStopping    = errors.New("worker pool stopping")
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrOverlapSkip = errors.New("work skipped: resource already in flight")
	ErrCircuitOpen = errors.New("work skipped: circuit breaker open")
)

// Fatal marks an error as permanent for this item.
//
// Collaborators wrap auth failures or other unrecoverable conditions with
// Fatal so the pool won't waste attempts retrying.
//
// Example:
//
//	return work.Fatal(fmt.Errorf("credentials revoked: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Unwrapped errors are treated as
// transient too; the wrapper exists so collaborators can be explicit.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// Useful when the downstream system returns an explicit backoff hint
// (e.g., HTTP 429). The pool respects the hint (bounded by RetryMaxDelay)
// and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
