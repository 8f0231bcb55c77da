// Package deadletter implements the terminal-failure holding area and its
// operator reprocessing workflow.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taxera/payretry/pkg/types"
)

// ReprocessDelay is how far out a reprocessed transaction's retry is
// scheduled.
const ReprocessDelay = 5 * time.Minute

// Action is an operator decision on a dead letter record.
type Action string

const (
	// ActionRetry re-injects the transaction into the live retry path.
	ActionRetry Action = "RETRY"
	// ActionResolve marks the record resolved; the transaction was handled
	// through another channel and is left untouched.
	ActionResolve Action = "RESOLVE"
	// ActionDiscard abandons the record without touching the transaction.
	ActionDiscard Action = "DISCARD"
)

// Scheduler creates scheduled retries. Implemented by schedule.Queue.
type Scheduler interface {
	Schedule(ctx context.Context, transactionID string, at time.Time, by string) (*types.ScheduledRetry, error)
}

// Manager owns dead letter records: creation, listing and the operator
// actions.
type Manager struct {
	store     types.TransactionStore
	notifier  types.NotificationSink
	scheduler Scheduler
	clock     types.Clock
	logger    types.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger types.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a dead letter manager. notifier may be nil when the
// host system does not want notifications.
func NewManager(store types.TransactionStore, notifier types.NotificationSink, scheduler Scheduler, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		notifier:  notifier,
		scheduler: scheduler,
		clock:     types.NewRealClock(),
		logger:    types.NopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MoveToDeadLetter moves a transaction into the dead letter queue: the
// transaction status becomes DeadLetter and its fields are snapshotted into
// the record for audit independent of later mutation. One notification
// fires per transition. Idempotent: a transaction with an existing Pending
// record gets that record back and no second notification.
func (m *Manager) MoveToDeadLetter(ctx context.Context, transactionID, reason string) (*types.DeadLetterRecord, error) {
	existing, err := m.store.PendingDeadLetter(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("check pending dead letter for %s: %w", transactionID, err)
	}

	txn, err := m.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}

	rec := &types.DeadLetterRecord{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		TransactionRef: txn.Reference,
		Reason:         reason,
		AttemptCount:   txn.RetryCount,
		Snapshot: types.TransactionSnapshot{
			Reference:   txn.Reference,
			GatewayID:   txn.GatewayID,
			Amount:      txn.Amount,
			Currency:    txn.Currency,
			Status:      txn.Status,
			RetryCount:  txn.RetryCount,
			InitiatedAt: txn.InitiatedAt,
		},
		Status:    types.DeadLetterPending,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.AppendDeadLetter(ctx, rec); err != nil {
		return nil, fmt.Errorf("append dead letter for %s: %w", transactionID, err)
	}

	txn.Status = types.StatusDeadLetter
	txn.FailureReason = reason
	txn.UpdatedAt = m.clock.Now()
	if err := m.store.SaveTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", transactionID, err)
	}

	m.logger.Warnf("transaction %s moved to dead letter queue: %s", transactionID, reason)
	if m.notifier != nil {
		if err := m.notifier.NotifyPermanentFailure(ctx, transactionID); err != nil {
			// notification failures must not undo the move
			m.logger.Errorf("transaction %s: permanent failure notification failed: %v", transactionID, err)
		}
	}
	return rec, nil
}

// List returns Pending records, newest first. Pages are 1-based.
func (m *Manager) List(ctx context.Context, page, pageSize int) ([]*types.DeadLetterRecord, error) {
	return m.store.ListDeadLetters(ctx, page, pageSize)
}

// Process applies an operator action to a Pending record. Retry resets the
// transaction to Pending and schedules a retry ReprocessDelay out; Resolve
// and Discard only close the record. Records that already left Pending
// state return ErrAlreadyReviewed.
func (m *Manager) Process(ctx context.Context, id string, action Action, by, note string) (*types.DeadLetterRecord, error) {
	rec, err := m.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	}
	if rec.Status != types.DeadLetterPending {
		return nil, types.ErrAlreadyReviewed
	}

	switch action {
	case ActionRetry:
		txn, err := m.store.GetTransaction(ctx, rec.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", rec.TransactionID, err)
		}
		txn.Status = types.StatusPending
		txn.UpdatedAt = m.clock.Now()
		if err := m.store.SaveTransaction(ctx, txn); err != nil {
			return nil, fmt.Errorf("save transaction %s: %w", rec.TransactionID, err)
		}
		if _, err := m.scheduler.Schedule(ctx, rec.TransactionID, m.clock.Now().Add(ReprocessDelay), by); err != nil {
			return nil, err
		}
		rec.Status = types.DeadLetterReprocessed
	case ActionResolve:
		rec.Status = types.DeadLetterResolved
	case ActionDiscard:
		rec.Status = types.DeadLetterDiscarded
	default:
		return nil, fmt.Errorf("unknown dead letter action %q", action)
	}

	now := m.clock.Now()
	rec.ReviewedBy = by
	rec.ReviewedAt = &now
	rec.Notes = note
	if err := m.store.UpdateDeadLetter(ctx, rec); err != nil {
		return nil, fmt.Errorf("update dead letter %s: %w", id, err)
	}

	m.logger.Infof("dead letter %s processed with action %s by %s", id, action, by)
	return rec, nil
}

// Backlog returns the number of Pending records.
func (m *Manager) Backlog(ctx context.Context) (int, error) {
	return m.store.CountPendingDeadLetters(ctx)
}
