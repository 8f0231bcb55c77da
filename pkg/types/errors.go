// Package types defines error types
package types

import (
	"errors"
	"time"
)

// Predefined errors
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrGatewayNotRegistered indicates no adapter is registered for the
	// transaction's gateway.
	ErrGatewayNotRegistered = errors.New("gateway adapter not registered")

	// ErrCircuitOpen indicates the gateway's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrPoolFull indicates the worker pool queue is full.
	ErrPoolFull = errors.New("worker pool is full")

	// ErrPoolClosed indicates the worker pool has been closed.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrAlreadyReviewed indicates the dead letter record left Pending
	// state before this action ran.
	ErrAlreadyReviewed = errors.New("dead letter record already reviewed")
)

// RetryableError wraps an error with an explicit retryability verdict and
// an optional suggested delay.
type RetryableError struct {
	// Err is the underlying error
	Err error

	// Retryable indicates whether the error is retryable
	Retryable bool

	// RetryAfter is the suggested retry delay
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error may be retried. Errors carry an
// explicit verdict via RetryableError; everything else defaults to
// retryable so transient transport failures are not silently dropped.
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}
	return true
}

// RetryDelay returns the suggested retry delay carried by the error, zero
// when there is none.
func RetryDelay(err error) time.Duration {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.RetryAfter
	}
	return 0
}
