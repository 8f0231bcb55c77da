// Package types defines the core domain model and interfaces for the
// payment retry pipeline.
package types

import "time"

// SystemActor identifies retries triggered by the pipeline itself rather
// than a human operator.
const SystemActor = "SYSTEM"

// TransactionStatus is the lifecycle status of a payment transaction.
type TransactionStatus string

const (
	StatusInitiated  TransactionStatus = "INITIATED"
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
	StatusExpired    TransactionStatus = "EXPIRED"
	StatusRefunded   TransactionStatus = "REFUNDED"
	StatusDeadLetter TransactionStatus = "DEAD_LETTER"
)

// Retryable reports whether a transaction in this status may enter the
// retry path.
func (s TransactionStatus) Retryable() bool {
	switch s {
	case StatusFailed, StatusPending, StatusInitiated:
		return true
	default:
		return false
	}
}

// AttemptStatus is the outcome status of a single retry attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptCompleted  AttemptStatus = "COMPLETED"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptCancelled  AttemptStatus = "CANCELLED"
	AttemptScheduled  AttemptStatus = "SCHEDULED"
	AttemptPending    AttemptStatus = "PENDING"
)

// ScheduleStatus is the lifecycle status of a scheduled retry entry.
type ScheduleStatus string

const (
	ScheduleScheduled  ScheduleStatus = "SCHEDULED"
	ScheduleInProgress ScheduleStatus = "IN_PROGRESS"
	ScheduleCompleted  ScheduleStatus = "COMPLETED"
	ScheduleFailed     ScheduleStatus = "FAILED"
	ScheduleCancelled  ScheduleStatus = "CANCELLED"
)

// Active reports whether the entry still occupies the single active slot
// for its transaction.
func (s ScheduleStatus) Active() bool {
	return s == ScheduleScheduled || s == ScheduleInProgress
}

// DeadLetterStatus is the review status of a dead letter record.
type DeadLetterStatus string

const (
	DeadLetterPending     DeadLetterStatus = "PENDING"
	DeadLetterReprocessed DeadLetterStatus = "REPROCESSED"
	DeadLetterResolved    DeadLetterStatus = "RESOLVED"
	DeadLetterDiscarded   DeadLetterStatus = "DISCARDED"
)

// Terminal reports whether the record needs no further operator action.
func (s DeadLetterStatus) Terminal() bool {
	return s != DeadLetterPending
}

// PaymentTransaction is a payment instruction against one gateway. The
// record is owned by the host system's transaction store; the retry
// pipeline mutates only status, retry counter and failure annotations.
type PaymentTransaction struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	GatewayID     string            `json:"gateway_id"`
	Amount        int64             `json:"amount"` // minor currency units
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	RetryCount    int               `json:"retry_count"`
	FailureReason string            `json:"failure_reason,omitempty"`
	InitiatedAt   time.Time         `json:"initiated_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RetryAttempt is one concrete execution of a retry. Attempt numbers for a
// transaction are 1-based, strictly increasing and gapless. The record is
// immutable once its outcome is recorded.
type RetryAttempt struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	GatewayID     string        `json:"gateway_id"`
	Number        int           `json:"number"`
	AttemptedAt   time.Time     `json:"attempted_at"`
	TriggeredBy   string        `json:"triggered_by"`
	Status        AttemptStatus `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	RawResponse   string        `json:"raw_response,omitempty"`
	Duration      time.Duration `json:"duration"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
}

// ScheduledRetry is a future obligation to retry a transaction. At most one
// active entry exists per transaction; scheduling again supersedes the
// previous entry.
type ScheduledRetry struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	ScheduledBy   string         `json:"scheduled_by"`
	Status        ScheduleStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TransactionSnapshot freezes the transaction fields relevant for audit at
// the moment it entered the dead letter queue.
type TransactionSnapshot struct {
	Reference   string            `json:"reference"`
	GatewayID   string            `json:"gateway_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	RetryCount  int               `json:"retry_count"`
	InitiatedAt time.Time         `json:"initiated_at"`
}

// DeadLetterRecord is a transaction that exhausted retries or was
// explicitly abandoned, held for human triage.
type DeadLetterRecord struct {
	ID             string              `json:"id"`
	TransactionID  string              `json:"transaction_id"`
	TransactionRef string              `json:"transaction_ref"`
	Reason         string              `json:"reason"`
	AttemptCount   int                 `json:"attempt_count"`
	Snapshot       TransactionSnapshot `json:"snapshot"`
	Status         DeadLetterStatus    `json:"status"`
	ReviewedBy     string              `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time          `json:"reviewed_at,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// RetryResult is the structured outcome of one retry invocation. Gateway
// failures are reported through this value, never as an error.
type RetryResult struct {
	Success          bool          `json:"success"`
	AttemptNumber    int           `json:"attempt_number"`
	Message          string        `json:"message"`
	ShouldRetryAgain bool          `json:"should_retry_again"`
	NextRetryAt      *time.Time    `json:"next_retry_at,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// CircuitStatus is a point-in-time snapshot of one gateway's circuit
// breaker.
type CircuitStatus struct {
	GatewayID      string    `json:"gateway_id"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Threshold      int       `json:"threshold"`
	LastFailureAt  time.Time `json:"last_failure_at,omitempty"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
}
