package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxera/payretry/internal/testutils"
	"github.com/taxera/payretry/pkg/breaker"
	"github.com/taxera/payretry/pkg/config"
	"github.com/taxera/payretry/pkg/deadletter"
	"github.com/taxera/payretry/pkg/store"
	"github.com/taxera/payretry/pkg/types"
)

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Defaults.MaxRetryAttempts = 3
	cfg.Defaults.BaseDelay = time.Millisecond
	cfg.Defaults.MaxDelay = 20 * time.Millisecond
	cfg.Defaults.RetryableErrors = []string{"TIMEOUT", "CONNECTION"}
	cfg.Sweep.Interval = 10 * time.Millisecond
	cfg.Sweep.BatchSize = 10
	cfg.Sweep.Workers = 2
	cfg.Sweep.QueueSize = 10
	return cfg
}

type pipelineFixture struct {
	store    *store.MemoryStore
	notifier *testutils.RecordingNotifier
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T, cfg *config.Config) *pipelineFixture {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	st := store.NewMemoryStore()
	notifier := testutils.NewRecordingNotifier()
	p, err := New(cfg, st, WithNotifier(notifier))
	require.NoError(t, err)
	return &pipelineFixture{store: st, notifier: notifier, pipeline: p}
}

func (f *pipelineFixture) addTransaction(t *testing.T, id, gatewayID string) {
	t.Helper()
	txn := testutils.NewTransaction(id, gatewayID, time.Now().Add(-time.Hour))
	require.NoError(t, f.store.SaveTransaction(context.Background(), txn))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(fastConfig(), nil)
	assert.Error(t, err, "nil store must be rejected")

	bad := fastConfig()
	bad.Defaults.MaxRetryAttempts = 0
	_, err = New(bad, store.NewMemoryStore())
	assert.Error(t, err)

	p, err := New(nil, store.NewMemoryStore())
	require.NoError(t, err, "nil config falls back to defaults")
	assert.NotNil(t, p)
}

// A transaction failing with a transient error on every attempt walks
// through all attempts, is declared permanently failed, and lands in the
// dead letter queue with exactly one notification.
func TestPipeline_ExhaustionToDeadLetter(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.RegisterGateway("mpesa", testutils.NewScriptedGateway(testutils.Fail("TIMEOUT")))
	f.addTransaction(t, "txn-1", "mpesa")
	ctx := context.Background()

	var last types.RetryResult
	for i := 1; i <= 3; i++ {
		var err error
		last, err = f.pipeline.Retry(ctx, "txn-1", types.SystemActor)
		require.NoError(t, err)
		assert.False(t, last.Success)
		assert.Equal(t, i, last.AttemptNumber)
	}
	assert.False(t, last.ShouldRetryAgain)

	attempts, err := f.pipeline.GetRetryAttempts(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, att := range attempts {
		assert.Equal(t, i+1, att.Number)
		assert.Equal(t, types.AttemptFailed, att.Status)
	}

	rec, err := f.pipeline.HandlePermanentFailure(ctx, "txn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonExhausted, rec.Reason)
	assert.Equal(t, 3, rec.AttemptCount)

	// the schedule left by the second attempt is gone
	pending, err := f.pipeline.GetPendingScheduledRetries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []string{"txn-1"}, f.notifier.Sent())

	// handing over twice stays idempotent
	again, err := f.pipeline.HandlePermanentFailure(ctx, "txn-1", "")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Len(t, f.notifier.Sent(), 1)
}

// Repeated failures on one gateway open its breaker; retries for other
// transactions on that gateway are then rejected without consuming an
// attempt, and an operator reset restores traffic.
func TestPipeline_CircuitBreakerProtectsGateway(t *testing.T) {
	cfg := fastConfig()
	cfg.Defaults.FailureThreshold = 3
	cfg.Defaults.MaxRetryAttempts = 5
	f := newPipelineFixture(t, cfg)
	f.pipeline.RegisterGateway("equity", testutils.NewScriptedGateway(testutils.Fail("CONNECTION")))
	ctx := context.Background()

	for _, id := range []string{"txn-1", "txn-2", "txn-3"} {
		f.addTransaction(t, id, "equity")
		result, err := f.pipeline.Retry(ctx, id, types.SystemActor)
		require.NoError(t, err)
		assert.False(t, result.Success)
	}

	status := f.pipeline.GetCircuitBreakerStatus()
	require.Len(t, status, 1)
	assert.Equal(t, breaker.StateOpen.String(), status[0].State)

	// the gateway would succeed now, but the breaker still blocks it
	gateway := testutils.NewScriptedGateway(testutils.Succeed())
	f.pipeline.RegisterGateway("equity", gateway)
	f.addTransaction(t, "txn-4", "equity")

	result, err := f.pipeline.Retry(ctx, "txn-4", types.SystemActor)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.ShouldRetryAgain)
	require.NotNil(t, result.NextRetryAt)
	assert.Zero(t, gateway.Calls())

	attempts, err := f.pipeline.GetRetryAttempts(ctx, "txn-4")
	require.NoError(t, err)
	assert.Empty(t, attempts, "a rejected retry consumes no attempt")

	require.True(t, f.pipeline.ResetCircuitBreaker("equity"))
	assert.False(t, f.pipeline.ResetCircuitBreaker("unknown"))

	result, err = f.pipeline.Retry(ctx, "txn-4", types.SystemActor)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, gateway.Calls())
}

func TestPipeline_ScheduledRetryLifecycle(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.RegisterGateway("mpesa", testutils.NewScriptedGateway(testutils.Succeed()))
	f.addTransaction(t, "txn-1", "mpesa")
	ctx := context.Background()

	entry, err := f.pipeline.ScheduleRetry(ctx, "txn-1", time.Now().Add(-time.Second), "ops@example.com")
	require.NoError(t, err)

	pending, err := f.pipeline.GetPendingScheduledRetries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := f.pipeline.ProcessScheduledRetry(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	txn, err := f.store.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, txn.Status)

	pending, err = f.pipeline.GetPendingScheduledRetries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipeline_SweepDrainsDueRetries(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.RegisterGateway("mpesa", testutils.NewScriptedGateway(testutils.Succeed()))
	ctx := context.Background()

	for _, id := range []string{"txn-1", "txn-2"} {
		f.addTransaction(t, id, "mpesa")
		_, err := f.pipeline.ScheduleRetry(ctx, id, time.Now().Add(-time.Minute), types.SystemActor)
		require.NoError(t, err)
	}

	require.NoError(t, f.pipeline.Start(ctx))
	defer f.pipeline.Stop()
	assert.Error(t, f.pipeline.Start(ctx), "second start must fail")

	submitted := f.pipeline.Sweep(ctx)
	assert.Equal(t, 2, submitted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		txn1, err := f.store.GetTransaction(ctx, "txn-1")
		require.NoError(t, err)
		txn2, err := f.store.GetTransaction(ctx, "txn-2")
		require.NoError(t, err)
		if txn1.Status == types.StatusCompleted && txn2.Status == types.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduled retries were not processed")
}

func TestPipeline_CancelScheduledRetries(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.addTransaction(t, "txn-1", "mpesa")
	ctx := context.Background()

	_, err := f.pipeline.ScheduleRetry(ctx, "txn-1", time.Now().Add(time.Hour), types.SystemActor)
	require.NoError(t, err)

	n, err := f.pipeline.CancelScheduledRetries(ctx, "txn-1", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.pipeline.CancelScheduledRetries(ctx, "txn-1", "ops@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_DeadLetterReviewRoundTrip(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.RegisterGateway("mpesa", testutils.NewScriptedGateway(testutils.Succeed()))
	f.addTransaction(t, "txn-1", "mpesa")
	ctx := context.Background()

	rec, err := f.pipeline.MoveToDeadLetter(ctx, "txn-1", "manual escalation")
	require.NoError(t, err)

	page, err := f.pipeline.GetDeadLetterQueue(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, rec.ID, page[0].ID)

	reviewed, err := f.pipeline.ProcessDeadLetter(ctx, rec.ID, deadletter.ActionRetry, "ops@example.com", "gateway healthy again")
	require.NoError(t, err)
	assert.Equal(t, types.DeadLetterReprocessed, reviewed.Status)

	// the reprocess schedule is live again
	pending, err := f.pipeline.GetPendingScheduledRetries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "txn-1", pending[0].TransactionID)

	_, err = f.pipeline.ProcessDeadLetter(ctx, rec.ID, deadletter.ActionResolve, "ops@example.com", "")
	assert.ErrorIs(t, err, types.ErrAlreadyReviewed)
}

func TestPipeline_Statistics(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.RegisterGateway("mpesa", testutils.NewScriptedGateway(
		testutils.Fail("TIMEOUT"),
		testutils.Succeed(),
	))
	f.addTransaction(t, "txn-1", "mpesa")
	ctx := context.Background()

	start := time.Now()
	_, err := f.pipeline.Retry(ctx, "txn-1", types.SystemActor)
	require.NoError(t, err)
	_, err = f.pipeline.Retry(ctx, "txn-1", types.SystemActor)
	require.NoError(t, err)

	report, err := f.pipeline.GetRetryStatistics(ctx, start.Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalAttempts)
	assert.Equal(t, 1, report.Successes)
	assert.Equal(t, 1, report.Failures)
	assert.InDelta(t, 0.5, report.SuccessRate, 1e-9)
	require.Contains(t, report.Gateways, "mpesa")
	assert.Equal(t, 2, report.Gateways["mpesa"].Attempts)
	require.Len(t, report.Circuits, 1)
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t, nil)

	assert.NoError(t, f.pipeline.Stop(), "stopping a never-started pipeline is a no-op")

	require.NoError(t, f.pipeline.Start(context.Background()))
	require.NoError(t, f.pipeline.Stop())
	assert.NoError(t, f.pipeline.Stop())
}
