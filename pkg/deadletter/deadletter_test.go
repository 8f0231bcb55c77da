package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxera/payretry/internal/testutils"
	"github.com/taxera/payretry/pkg/schedule"
	"github.com/taxera/payretry/pkg/store"
	"github.com/taxera/payretry/pkg/types"
)

type managerFixture struct {
	store    *store.MemoryStore
	notifier *testutils.RecordingNotifier
	queue    *schedule.Queue
	manager  *Manager
}

// noRetrier satisfies schedule.Retrier for tests that never process entries.
type noRetrier struct{}

func (noRetrier) Retry(ctx context.Context, transactionID, actor string) (types.RetryResult, error) {
	return types.RetryResult{}, nil
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := testutils.NewRecordingNotifier()
	queue := schedule.NewQueue(st, noRetrier{})
	return &managerFixture{
		store:    st,
		notifier: notifier,
		queue:    queue,
		manager:  NewManager(st, notifier, queue),
	}
}

func (f *managerFixture) addExhaustedTransaction(t *testing.T, id string) *types.PaymentTransaction {
	t.Helper()
	txn := testutils.NewTransaction(id, "mpesa", time.Now().Add(-2*time.Hour))
	txn.RetryCount = 5
	require.NoError(t, f.store.SaveTransaction(context.Background(), txn))
	return txn
}

func TestManager_MoveToDeadLetter(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")

	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	assert.Equal(t, "txn-1", rec.TransactionID)
	assert.Equal(t, "REF-txn-1", rec.TransactionRef)
	assert.Equal(t, "retry attempts exhausted", rec.Reason)
	assert.Equal(t, 5, rec.AttemptCount)
	assert.Equal(t, types.DeadLetterPending, rec.Status)

	// sufficient detail for later manual review without the live record
	assert.Equal(t, "mpesa", rec.Snapshot.GatewayID)
	assert.Equal(t, int64(125_00), rec.Snapshot.Amount)
	assert.Equal(t, "KES", rec.Snapshot.Currency)
	assert.Equal(t, types.StatusFailed, rec.Snapshot.Status)

	txn, err := f.store.GetTransaction(context.Background(), "txn-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, txn.Status)
	assert.Equal(t, "retry attempts exhausted", txn.FailureReason)

	assert.Equal(t, []string{"txn-1"}, f.notifier.Sent())
}

func TestManager_MoveToDeadLetterIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")

	first, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	second, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "different reason")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "an existing pending record is returned as-is")
	assert.Equal(t, first.Reason, second.Reason)
	assert.Len(t, f.notifier.Sent(), 1, "only the transition notifies")

	count, err := f.manager.Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_MoveToDeadLetterSnapshotIsDetached(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")

	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	// mutate the live transaction after the move
	txn, err := f.store.GetTransaction(context.Background(), "txn-1")
	require.NoError(t, err)
	txn.Amount = 999_99
	require.NoError(t, f.store.SaveTransaction(context.Background(), txn))

	got, err := f.store.GetDeadLetter(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(125_00), got.Snapshot.Amount, "snapshot keeps the values at move time")
}

func TestManager_MoveUnknownTransaction(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.MoveToDeadLetter(context.Background(), "missing", "whatever")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, f.notifier.Sent())
}

func TestManager_ProcessRetry(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")
	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	before := time.Now()
	got, err := f.manager.Process(context.Background(), rec.ID, ActionRetry, "ops@example.com", "gateway incident resolved")
	require.NoError(t, err)

	assert.Equal(t, types.DeadLetterReprocessed, got.Status)
	assert.Equal(t, "ops@example.com", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.Equal(t, "gateway incident resolved", got.Notes)

	txn, err := f.store.GetTransaction(context.Background(), "txn-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, txn.Status, "the transaction re-enters the live retry path")

	pending, err := f.queue.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "txn-1", pending[0].TransactionID)
	assert.Equal(t, "ops@example.com", pending[0].ScheduledBy)
	assert.False(t, pending[0].ScheduledAt.Before(before.Add(ReprocessDelay)), "retry lands no sooner than the reprocess delay")
}

func TestManager_ProcessResolve(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")
	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	got, err := f.manager.Process(context.Background(), rec.ID, ActionResolve, "ops@example.com", "settled manually")
	require.NoError(t, err)
	assert.Equal(t, types.DeadLetterResolved, got.Status)

	// the transaction itself is left untouched
	txn, err := f.store.GetTransaction(context.Background(), "txn-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, txn.Status)

	pending, err := f.queue.Pending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_ProcessDiscard(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")
	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	got, err := f.manager.Process(context.Background(), rec.ID, ActionDiscard, "ops@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, types.DeadLetterDiscarded, got.Status)

	count, err := f.manager.Backlog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManager_ProcessAlreadyReviewed(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")
	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	_, err = f.manager.Process(context.Background(), rec.ID, ActionResolve, "ops@example.com", "")
	require.NoError(t, err)

	_, err = f.manager.Process(context.Background(), rec.ID, ActionRetry, "other@example.com", "")
	assert.ErrorIs(t, err, types.ErrAlreadyReviewed)
}

func TestManager_ProcessUnknownAction(t *testing.T) {
	f := newManagerFixture(t)
	f.addExhaustedTransaction(t, "txn-1")
	rec, err := f.manager.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	require.NoError(t, err)

	_, err = f.manager.Process(context.Background(), rec.ID, Action("ESCALATE"), "ops@example.com", "")
	assert.Error(t, err)

	// an unknown action leaves the record pending
	got, err := f.store.GetDeadLetter(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeadLetterPending, got.Status)
}

func TestManager_ProcessMissingRecord(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Process(context.Background(), "missing", ActionResolve, "ops@example.com", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_ListNewestFirst(t *testing.T) {
	f := newManagerFixture(t)
	for _, id := range []string{"txn-1", "txn-2", "txn-3"} {
		f.addExhaustedTransaction(t, id)
		_, err := f.manager.MoveToDeadLetter(context.Background(), id, "retry attempts exhausted")
		require.NoError(t, err)
	}

	page, err := f.manager.List(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "txn-3", page[0].TransactionID)
	assert.Equal(t, "txn-2", page[1].TransactionID)

	page, err = f.manager.List(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "txn-1", page[0].TransactionID)
}

func TestManager_NilNotifier(t *testing.T) {
	st := store.NewMemoryStore()
	queue := schedule.NewQueue(st, noRetrier{})
	m := NewManager(st, nil, queue)

	txn := testutils.NewTransaction("txn-1", "mpesa", time.Now().Add(-time.Hour))
	require.NoError(t, st.SaveTransaction(context.Background(), txn))

	_, err := m.MoveToDeadLetter(context.Background(), "txn-1", "retry attempts exhausted")
	assert.NoError(t, err)
}
