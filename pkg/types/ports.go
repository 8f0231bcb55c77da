package types

import (
	"context"
	"time"
)

// GatewayResult is the provider-level outcome of a process/check call.
type GatewayResult struct {
	Status       TransactionStatus
	RawResponse  string
	ErrorMessage string
}

// Success reports whether the gateway settled the payment.
func (r GatewayResult) Success() bool {
	return r.Status == StatusCompleted
}

// GatewayAdapter speaks to one external payment provider. Implementations
// live in the host system; the pipeline selects one via a registry keyed by
// gateway identifier.
type GatewayAdapter interface {
	// Process executes or re-checks the payment for the given transaction.
	// A returned error means the call itself could not complete (network,
	// timeout); the coordinator converts it into a failed attempt.
	Process(ctx context.Context, txn *PaymentTransaction) (GatewayResult, error)
}

// TransactionStore persists the pipeline's four record kinds. It is assumed
// durable and transactional at the single-record level.
type TransactionStore interface {
	// GetTransaction loads a transaction by id, ErrNotFound when absent.
	GetTransaction(ctx context.Context, id string) (*PaymentTransaction, error)

	// SaveTransaction writes the transaction back.
	SaveTransaction(ctx context.Context, txn *PaymentTransaction) error

	// AppendRetryAttempt appends a new attempt record.
	AppendRetryAttempt(ctx context.Context, att *RetryAttempt) error

	// UpdateRetryAttempt records the outcome of an in-progress attempt.
	UpdateRetryAttempt(ctx context.Context, att *RetryAttempt) error

	// ListRetryAttempts returns the attempts of one transaction in attempt
	// number order.
	ListRetryAttempts(ctx context.Context, transactionID string) ([]*RetryAttempt, error)

	// ListRetryAttemptsBetween returns all attempts with AttemptedAt in
	// [from, to), any order.
	ListRetryAttemptsBetween(ctx context.Context, from, to time.Time) ([]*RetryAttempt, error)

	// UpsertScheduledRetry stores the entry, atomically superseding any
	// active entry for the same transaction (the superseded entry becomes
	// Cancelled).
	UpsertScheduledRetry(ctx context.Context, entry *ScheduledRetry) error

	// GetScheduledRetry loads one entry by id, ErrNotFound when absent.
	GetScheduledRetry(ctx context.Context, id string) (*ScheduledRetry, error)

	// UpdateScheduledRetry writes the entry back.
	UpdateScheduledRetry(ctx context.Context, entry *ScheduledRetry) error

	// TransitionScheduledRetry atomically moves the entry from one status
	// to another. It reports false without error when the entry is not in
	// the expected status, ErrNotFound when the entry is absent.
	TransitionScheduledRetry(ctx context.Context, id string, from, to ScheduleStatus) (bool, error)

	// CancelScheduledRetries cancels the active entry of a transaction, if
	// any, and returns how many entries were cancelled. Idempotent.
	CancelScheduledRetries(ctx context.Context, transactionID, by string) (int, error)

	// DueScheduledRetries returns up to limit entries in Scheduled state
	// whose due time is not after the given instant, oldest first. A limit
	// of zero means no bound.
	DueScheduledRetries(ctx context.Context, before time.Time, limit int) ([]*ScheduledRetry, error)

	// ListScheduledRetries returns up to limit entries in the given state,
	// due time order. A limit of zero means no bound.
	ListScheduledRetries(ctx context.Context, status ScheduleStatus, limit int) ([]*ScheduledRetry, error)

	// AppendDeadLetter appends a new dead letter record.
	AppendDeadLetter(ctx context.Context, rec *DeadLetterRecord) error

	// UpdateDeadLetter writes the record back.
	UpdateDeadLetter(ctx context.Context, rec *DeadLetterRecord) error

	// GetDeadLetter loads one record by id, ErrNotFound when absent.
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterRecord, error)

	// ListDeadLetters returns Pending records, newest first. Pages are
	// 1-based.
	ListDeadLetters(ctx context.Context, page, pageSize int) ([]*DeadLetterRecord, error)

	// PendingDeadLetter returns the Pending record for a transaction,
	// ErrNotFound when there is none.
	PendingDeadLetter(ctx context.Context, transactionID string) (*DeadLetterRecord, error)

	// CountPendingDeadLetters returns the current dead letter backlog size.
	CountPendingDeadLetters(ctx context.Context) (int, error)
}

// NotificationSink receives operator-facing notifications from the
// pipeline. Implemented by the host system.
type NotificationSink interface {
	// NotifyPermanentFailure is fired exactly once per transition into the
	// dead letter queue.
	NotifyPermanentFailure(ctx context.Context, transactionID string) error
}
