package retry

import (
	"testing"
	"time"

	"github.com/taxera/payretry/internal/testutils"
	"github.com/taxera/payretry/pkg/config"
	"github.com/taxera/payretry/pkg/types"
)

func newEligibilityFixture(t *testing.T) (*EligibilityChecker, *testutils.ClockWrapper) {
	t.Helper()
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	checker := NewEligibilityChecker(WithEligibilityClock(clock))
	return checker, clock
}

func eligibleTxn(clock types.Clock) *types.PaymentTransaction {
	return &types.PaymentTransaction{
		ID:          "txn-1",
		GatewayID:   "mpesa",
		Status:      types.StatusFailed,
		RetryCount:  1,
		InitiatedAt: clock.Now().Add(-time.Hour),
	}
}

func TestEligibilityChecker_Eligible(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()

	got := checker.Check(eligibleTxn(clock), nil, cfg)
	if !got.Eligible {
		t.Fatalf("expected eligible, got reason %q", got.Reason)
	}
	if got.Reason != "" {
		t.Errorf("expected empty reason, got %q", got.Reason)
	}
}

func TestEligibilityChecker_MaxAttempts(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.MaxRetryAttempts = 3

	txn := eligibleTxn(clock)
	txn.RetryCount = 3

	got := checker.Check(txn, nil, cfg)
	if got.Eligible || got.Reason != ReasonMaxAttempts {
		t.Errorf("Check = %+v, want ineligible with %q", got, ReasonMaxAttempts)
	}
}

func TestEligibilityChecker_MaxAttemptsBeatsOtherRules(t *testing.T) {
	// exhaustion is reported even when the error is also non-retryable
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.MaxRetryAttempts = 2

	txn := eligibleTxn(clock)
	txn.RetryCount = 2
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed, ErrorMessage: "INVALID_CARD"},
		{Number: 2, Status: types.AttemptFailed, ErrorMessage: "INVALID_CARD"},
	}

	got := checker.Check(txn, attempts, cfg)
	if got.Reason != ReasonMaxAttempts {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonMaxAttempts)
	}
}

func TestEligibilityChecker_TooOld(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()

	txn := eligibleTxn(clock)
	txn.InitiatedAt = clock.Now().Add(-25 * time.Hour)

	got := checker.Check(txn, nil, cfg)
	if got.Eligible || got.Reason != ReasonTooOld {
		t.Errorf("Check = %+v, want ineligible with %q", got, ReasonTooOld)
	}
}

func TestEligibilityChecker_AgeBoundary(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()

	// exactly 24h is still allowed; the rule is strictly greater than
	txn := eligibleTxn(clock)
	txn.InitiatedAt = clock.Now().Add(-24 * time.Hour)

	if got := checker.Check(txn, nil, cfg); !got.Eligible {
		t.Errorf("transaction exactly 24h old should be eligible, got %q", got.Reason)
	}
}

func TestEligibilityChecker_StatusNotRetryable(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()

	for _, status := range []types.TransactionStatus{
		types.StatusCompleted,
		types.StatusCancelled,
		types.StatusRefunded,
		types.StatusDeadLetter,
		types.StatusProcessing,
		types.StatusExpired,
	} {
		txn := eligibleTxn(clock)
		txn.Status = status
		got := checker.Check(txn, nil, cfg)
		if got.Eligible || got.Reason != ReasonStatus {
			t.Errorf("status %s: Check = %+v, want ineligible with %q", status, got, ReasonStatus)
		}
	}

	for _, status := range []types.TransactionStatus{
		types.StatusFailed,
		types.StatusPending,
		types.StatusInitiated,
	} {
		txn := eligibleTxn(clock)
		txn.Status = status
		if got := checker.Check(txn, nil, cfg); !got.Eligible {
			t.Errorf("status %s should be retryable, got %q", status, got.Reason)
		}
	}
}

func TestEligibilityChecker_NonRetryableError(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.RetryableErrors = []string{"TIMEOUT"}

	txn := eligibleTxn(clock)
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed, ErrorMessage: "INSUFFICIENT_FUNDS"},
	}

	got := checker.Check(txn, attempts, cfg)
	if got.Eligible || got.Reason != ReasonNonRetryable {
		t.Errorf("Check = %+v, want ineligible with %q", got, ReasonNonRetryable)
	}
}

func TestEligibilityChecker_RetryableErrorPasses(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.RetryableErrors = []string{"TIMEOUT"}

	txn := eligibleTxn(clock)
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed, ErrorMessage: "upstream timeout waiting for provider"},
	}

	if got := checker.Check(txn, attempts, cfg); !got.Eligible {
		t.Errorf("retryable error should pass, got %q", got.Reason)
	}
}

func TestEligibilityChecker_OnlyLastAttemptCounts(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.RetryableErrors = []string{"TIMEOUT"}

	txn := eligibleTxn(clock)
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed, ErrorMessage: "INVALID_CARD"},
		{Number: 2, Status: types.AttemptFailed, ErrorMessage: "TIMEOUT"},
	}

	if got := checker.Check(txn, attempts, cfg); !got.Eligible {
		t.Errorf("only the most recent attempt's error should count, got %q", got.Reason)
	}
}

func TestEligibilityChecker_RawResponseClassification(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.RetryableErrors = []string{"PROVIDER_BUSY"}

	txn := eligibleTxn(clock)
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed, RawResponse: `{"error":{"code":"PROVIDER_BUSY"}}`},
	}

	if got := checker.Check(txn, attempts, cfg); !got.Eligible {
		t.Errorf("retryable code in raw response should pass, got %q", got.Reason)
	}

	attempts[0].RawResponse = `{"error":{"code":"FRAUD_BLOCK"}}`
	got := checker.Check(txn, attempts, cfg)
	if got.Eligible || got.Reason != ReasonNonRetryable {
		t.Errorf("non-retryable code in raw response: Check = %+v, want %q", got, ReasonNonRetryable)
	}
}

func TestEligibilityChecker_AttemptWithoutErrorPasses(t *testing.T) {
	checker, clock := newEligibilityFixture(t)
	cfg := config.DefaultGatewayConfig()
	cfg.RetryableErrors = []string{"TIMEOUT"}

	txn := eligibleTxn(clock)
	attempts := []*types.RetryAttempt{
		{Number: 1, Status: types.AttemptFailed},
	}

	if got := checker.Check(txn, attempts, cfg); !got.Eligible {
		t.Errorf("attempt without error text should not block retries, got %q", got.Reason)
	}
}
