package retry

import (
	"time"

	"github.com/taxera/payretry/pkg/config"
	"github.com/taxera/payretry/pkg/types"
)

// DefaultMaxTransactionAge is how long after initiation a transaction stays
// retryable.
const DefaultMaxTransactionAge = 24 * time.Hour

// Ineligibility reasons, stable strings surfaced to operators.
const (
	ReasonMaxAttempts  = "max attempts exceeded"
	ReasonTooOld       = "too old"
	ReasonStatus       = "status not retryable"
	ReasonNonRetryable = "non-retryable error"
)

// Eligibility is the verdict of the checker. Reason is empty when the
// transaction is eligible.
type Eligibility struct {
	Eligible bool
	Reason   string
}

// EligibilityChecker decides whether a transaction may be retried. Rules
// are evaluated in a fixed order and the first failing rule determines the
// reason.
type EligibilityChecker struct {
	clock  types.Clock
	maxAge time.Duration
}

// EligibilityOption configures an EligibilityChecker.
type EligibilityOption func(*EligibilityChecker)

// WithEligibilityClock sets the clock for time operations
func WithEligibilityClock(clock types.Clock) EligibilityOption {
	return func(c *EligibilityChecker) {
		c.clock = clock
	}
}

// WithMaxTransactionAge overrides the transaction age cutoff
func WithMaxTransactionAge(maxAge time.Duration) EligibilityOption {
	return func(c *EligibilityChecker) {
		c.maxAge = maxAge
	}
}

// NewEligibilityChecker creates an eligibility checker.
func NewEligibilityChecker(opts ...EligibilityOption) *EligibilityChecker {
	c := &EligibilityChecker{
		clock:  types.NewRealClock(),
		maxAge: DefaultMaxTransactionAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check evaluates the rules in order:
//
//  1. the retry counter reached the configured maximum
//  2. the transaction is older than the age cutoff
//  3. the current status is not one of Failed, Pending, Initiated
//  4. the most recent attempt failed with an error that matches none of
//     the gateway's retryable patterns
//
// attempts must be in attempt number order, as returned by the store.
func (c *EligibilityChecker) Check(txn *types.PaymentTransaction, attempts []*types.RetryAttempt, cfg config.GatewayConfig) Eligibility {
	if txn.RetryCount >= cfg.MaxRetryAttempts {
		return Eligibility{Reason: ReasonMaxAttempts}
	}

	if c.clock.Since(txn.InitiatedAt) > c.maxAge {
		return Eligibility{Reason: ReasonTooOld}
	}

	if !txn.Status.Retryable() {
		return Eligibility{Reason: ReasonStatus}
	}

	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		if errText := ErrorText(last); errText != "" && !MatchesRetryable(errText, cfg.RetryableErrors) {
			return Eligibility{Reason: ReasonNonRetryable}
		}
	}

	return Eligibility{Eligible: true}
}
