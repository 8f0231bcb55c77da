// Package schedule implements the time-ordered queue of future retry jobs
// and the background sweep that drains it.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taxera/payretry/pkg/types"
)

// Retrier executes one retry attempt. Implemented by retry.Coordinator.
type Retrier interface {
	Retry(ctx context.Context, transactionID, actor string) (types.RetryResult, error)
}

// Queue manages scheduled retry entries. Both the background sweep and the
// interactive path go through Process so there is a single code path from
// entry to retry.
type Queue struct {
	store   types.TransactionStore
	retrier Retrier
	clock   types.Clock
	logger  types.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) QueueOption {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger types.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a scheduled retry queue.
func NewQueue(store types.TransactionStore, retrier Retrier, opts ...QueueOption) *Queue {
	q := &Queue{
		store:   store,
		retrier: retrier,
		clock:   types.NewRealClock(),
		logger:  types.NopLogger{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule creates a retry obligation for the transaction at the given
// time, superseding any active entry for it.
func (q *Queue) Schedule(ctx context.Context, transactionID string, at time.Time, by string) (*types.ScheduledRetry, error) {
	now := q.clock.Now()
	entry := &types.ScheduledRetry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		ScheduledAt:   at,
		ScheduledBy:   by,
		Status:        types.ScheduleScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.UpsertScheduledRetry(ctx, entry); err != nil {
		return nil, fmt.Errorf("schedule retry for %s: %w", transactionID, err)
	}
	q.logger.Debugf("transaction %s: retry scheduled at %v by %s", transactionID, at, by)
	return entry, nil
}

// CancelAll cancels the active entry for a transaction, if any. Idempotent:
// it succeeds with a zero count when nothing is scheduled. Cancellation
// does not abort an entry already being processed.
func (q *Queue) CancelAll(ctx context.Context, transactionID, by string) (int, error) {
	cancelled, err := q.store.CancelScheduledRetries(ctx, transactionID, by)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled retries for %s: %w", transactionID, err)
	}
	if cancelled > 0 {
		q.logger.Debugf("transaction %s: cancelled %d scheduled retries", transactionID, cancelled)
	}
	return cancelled, nil
}

// DueBefore returns up to limit entries whose due time has passed, oldest
// first.
func (q *Queue) DueBefore(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledRetry, error) {
	return q.store.DueScheduledRetries(ctx, now, limit)
}

// Pending returns up to limit entries still waiting for their due time.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*types.ScheduledRetry, error) {
	return q.store.ListScheduledRetries(ctx, types.ScheduleScheduled, limit)
}

// Process executes one scheduled entry: it claims the entry by moving it
// from Scheduled to InProgress, runs the retry, and records Completed or
// Failed from the result. It reports whether the retry succeeded. The
// claim is an atomic status transition in the store, so concurrent sweeps
// over the same entry run the retry exactly once.
func (q *Queue) Process(ctx context.Context, id string) (bool, error) {
	claimed, err := q.store.TransitionScheduledRetry(ctx, id, types.ScheduleScheduled, types.ScheduleInProgress)
	if err != nil {
		return false, fmt.Errorf("claim scheduled retry %s: %w", id, err)
	}
	if !claimed {
		return false, nil
	}

	entry, err := q.store.GetScheduledRetry(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load scheduled retry %s: %w", id, err)
	}

	result, retryErr := q.retrier.Retry(ctx, entry.TransactionID, types.SystemActor)

	if result.Success {
		entry.Status = types.ScheduleCompleted
	} else {
		entry.Status = types.ScheduleFailed
	}
	entry.UpdatedAt = q.clock.Now()
	if err := q.store.UpdateScheduledRetry(ctx, entry); err != nil {
		return false, fmt.Errorf("record scheduled retry %s outcome: %w", id, err)
	}

	if retryErr != nil {
		return false, retryErr
	}
	return result.Success, nil
}
