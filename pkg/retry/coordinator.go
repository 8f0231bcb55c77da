package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxera/payretry/pkg/breaker"
	"github.com/taxera/payretry/pkg/config"
	"github.com/taxera/payretry/pkg/types"
)

// AdapterRegistry resolves the gateway adapter for a gateway identifier.
type AdapterRegistry interface {
	Adapter(gatewayID string) (types.GatewayAdapter, bool)
}

// AdapterMap is a mutable AdapterRegistry backed by a map.
type AdapterMap struct {
	mu       sync.RWMutex
	adapters map[string]types.GatewayAdapter
}

// NewAdapterMap creates an empty adapter registry.
func NewAdapterMap() *AdapterMap {
	return &AdapterMap{adapters: make(map[string]types.GatewayAdapter)}
}

// Register installs the adapter for a gateway, replacing any previous one.
func (m *AdapterMap) Register(gatewayID string, adapter types.GatewayAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[gatewayID] = adapter
}

// Adapter resolves the adapter for a gateway.
func (m *AdapterMap) Adapter(gatewayID string) (types.GatewayAdapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[gatewayID]
	return adapter, ok
}

// EventHandler observes coordinator outcomes, typically for logging.
type EventHandler interface {
	// OnAttempt fires when an attempt record has been created.
	OnAttempt(ctx context.Context, txnID string, attempt int)
	// OnSuccess fires when the gateway settled the payment.
	OnSuccess(ctx context.Context, txnID string, attempt int, duration time.Duration)
	// OnFailure fires when the gateway call failed but attempts remain.
	OnFailure(ctx context.Context, txnID string, attempt int, errMsg string)
	// OnExhausted fires when the final attempt failed.
	OnExhausted(ctx context.Context, txnID string, attempt int, errMsg string)
}

// LoggingEventHandler logs coordinator events through a types.Logger.
type LoggingEventHandler struct {
	logger types.Logger
}

// NewLoggingEventHandler creates an event handler that logs.
func NewLoggingEventHandler(logger types.Logger) *LoggingEventHandler {
	return &LoggingEventHandler{logger: logger}
}

func (h *LoggingEventHandler) OnAttempt(ctx context.Context, txnID string, attempt int) {
	h.logger.Debugf("transaction %s: attempt %d starting", txnID, attempt)
}

func (h *LoggingEventHandler) OnSuccess(ctx context.Context, txnID string, attempt int, duration time.Duration) {
	h.logger.Infof("transaction %s: attempt %d succeeded after %v", txnID, attempt, duration)
}

func (h *LoggingEventHandler) OnFailure(ctx context.Context, txnID string, attempt int, errMsg string) {
	h.logger.Warnf("transaction %s: attempt %d failed: %s", txnID, attempt, errMsg)
}

func (h *LoggingEventHandler) OnExhausted(ctx context.Context, txnID string, attempt int, errMsg string) {
	h.logger.Errorf("transaction %s: attempts exhausted after %d, last error: %s", txnID, attempt, errMsg)
}

// Coordinator orchestrates a single retry attempt end to end. A keyed
// mutex per transaction serializes attempts: concurrent calls for the same
// transaction queue behind the in-flight one and re-evaluate eligibility
// against its settled outcome, which keeps attempt numbers gapless.
// Transactions never contend with each other.
type Coordinator struct {
	store    types.TransactionStore
	gateways AdapterRegistry
	breakers *breaker.Registry
	cfg      *config.Config

	checker *EligibilityChecker
	backoff *Calculator
	clock   types.Clock
	events  EventHandler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithEventHandler sets the event handler
func WithEventHandler(handler EventHandler) CoordinatorOption {
	return func(c *Coordinator) {
		c.events = handler
	}
}

// WithEligibilityChecker replaces the default eligibility checker
func WithEligibilityChecker(checker *EligibilityChecker) CoordinatorOption {
	return func(c *Coordinator) {
		c.checker = checker
	}
}

// WithCalculator replaces the default backoff calculator
func WithCalculator(calc *Calculator) CoordinatorOption {
	return func(c *Coordinator) {
		c.backoff = calc
	}
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(store types.TransactionStore, gateways AdapterRegistry, breakers *breaker.Registry, cfg *config.Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		gateways: gateways,
		breakers: breakers,
		cfg:      cfg,
		backoff:  NewCalculator(),
		clock:    types.NewRealClock(),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.checker == nil {
		c.checker = NewEligibilityChecker(WithEligibilityClock(c.clock))
	}
	return c
}

// lockFor returns the mutex serializing retries of one transaction.
func (c *Coordinator) lockFor(transactionID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[transactionID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[transactionID] = mu
	}
	return mu
}

// Retry executes one retry attempt for the transaction. Gateway failures
// are reported inside the RetryResult; only persistence failures and
// context cancellation return an error. When the circuit breaker for the
// transaction's gateway is open, no attempt record is created, no retry is
// consumed, and NextRetryAt carries the breaker's earliest eligible time.
// Adapters may return *types.RetryableError to mark a transport failure
// permanent or to suggest when the next attempt should run.
func (c *Coordinator) Retry(ctx context.Context, transactionID, actor string) (types.RetryResult, error) {
	var zero types.RetryResult

	mu := c.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := c.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return zero, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}
	attempts, err := c.store.ListRetryAttempts(ctx, transactionID)
	if err != nil {
		return zero, fmt.Errorf("load retry attempts for %s: %w", transactionID, err)
	}
	gcfg := c.cfg.Gateway(txn.GatewayID)

	if elig := c.checker.Check(txn, attempts, gcfg); !elig.Eligible {
		return types.RetryResult{Message: elig.Reason}, nil
	}

	br := c.breakers.Get(txn.GatewayID)
	if ok, retryAt := br.Allow(); !ok {
		return types.RetryResult{
			ShouldRetryAgain: true,
			NextRetryAt:      &retryAt,
			Message:          fmt.Sprintf("%v: %s", types.ErrCircuitOpen, txn.GatewayID),
		}, nil
	}

	number := len(attempts) + 1
	att := &types.RetryAttempt{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		GatewayID:     txn.GatewayID,
		Number:        number,
		AttemptedAt:   c.clock.Now(),
		TriggeredBy:   actor,
		Status:        types.AttemptInProgress,
	}
	if err := c.store.AppendRetryAttempt(ctx, att); err != nil {
		return zero, fmt.Errorf("append retry attempt %d for %s: %w", number, transactionID, err)
	}
	txn.RetryCount = number
	txn.Status = types.StatusProcessing
	txn.UpdatedAt = c.clock.Now()
	if err := c.store.SaveTransaction(ctx, txn); err != nil {
		return zero, fmt.Errorf("save transaction %s: %w", transactionID, err)
	}

	if c.events != nil {
		c.events.OnAttempt(ctx, txn.ID, number)
	}

	// Backoff wait. Shutdown cancels it; retries queued on the lock stay
	// blocked until this attempt settles.
	if delay := c.backoff.Delay(number, gcfg); delay > 0 {
		select {
		case <-ctx.Done():
			return zero, c.abandonAttempt(ctx, att, txn)
		case <-c.clock.After(delay):
		}
	}

	start := c.clock.Now()
	result, gwErr := c.callGateway(ctx, txn)
	duration := c.clock.Since(start)

	success := result.Success()
	errMsg := result.ErrorMessage

	// Feed the breaker first, then persist; on a persistence failure the
	// previous records stay visible for the next attempt to re-evaluate.
	if success {
		br.RecordSuccess()
	} else {
		br.RecordFailure()
	}

	att.Duration = duration
	att.RawResponse = result.RawResponse
	att.ErrorMessage = errMsg

	out := types.RetryResult{
		Success:       success,
		AttemptNumber: number,
		Duration:      duration,
	}

	if success {
		att.Status = types.AttemptCompleted
		txn.Status = types.StatusCompleted
		txn.FailureReason = ""
		out.Message = "payment completed"
	} else {
		att.Status = types.AttemptFailed
		txn.Status = types.StatusFailed
		txn.FailureReason = errMsg
		switch {
		case number >= gcfg.MaxRetryAttempts:
			out.Message = "retry attempts exhausted"
		case gwErr != nil && !types.IsRetryable(gwErr):
			// the adapter declared the failure permanent
			out.Message = "non-retryable gateway error"
		default:
			delay := c.backoff.Delay(number+1, gcfg)
			if after := types.RetryDelay(gwErr); after > 0 {
				delay = after
			}
			next := c.clock.Now().Add(delay)
			att.NextRetryAt = &next
			out.ShouldRetryAgain = true
			out.NextRetryAt = &next
			out.Message = fmt.Sprintf("attempt %d failed, next retry scheduled", number)
		}
	}
	txn.UpdatedAt = c.clock.Now()

	if err := c.store.UpdateRetryAttempt(ctx, att); err != nil {
		return zero, fmt.Errorf("record attempt %d outcome for %s: %w", number, transactionID, err)
	}
	if err := c.store.SaveTransaction(ctx, txn); err != nil {
		return zero, fmt.Errorf("save transaction %s: %w", transactionID, err)
	}

	if out.ShouldRetryAgain && out.NextRetryAt != nil {
		entry := &types.ScheduledRetry{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			ScheduledAt:   *out.NextRetryAt,
			ScheduledBy:   actor,
			Status:        types.ScheduleScheduled,
			CreatedAt:     c.clock.Now(),
			UpdatedAt:     c.clock.Now(),
		}
		if err := c.store.UpsertScheduledRetry(ctx, entry); err != nil {
			return zero, fmt.Errorf("schedule next retry for %s: %w", transactionID, err)
		}
	}

	if c.events != nil {
		switch {
		case success:
			c.events.OnSuccess(ctx, txn.ID, number, duration)
		case out.ShouldRetryAgain:
			c.events.OnFailure(ctx, txn.ID, number, errMsg)
		default:
			c.events.OnExhausted(ctx, txn.ID, number, errMsg)
		}
	}

	return out, nil
}

// callGateway invokes the adapter and folds transport errors into a failed
// GatewayResult so they never escape to the caller. The raw adapter error
// is returned alongside so its retryability verdict survives the fold.
func (c *Coordinator) callGateway(ctx context.Context, txn *types.PaymentTransaction) (types.GatewayResult, error) {
	adapter, ok := c.gateways.Adapter(txn.GatewayID)
	if !ok {
		return types.GatewayResult{
			Status:       types.StatusFailed,
			ErrorMessage: fmt.Sprintf("%v: %s", types.ErrGatewayNotRegistered, txn.GatewayID),
		}, nil
	}

	result, err := adapter.Process(ctx, txn)
	if err != nil {
		return types.GatewayResult{
			Status:       types.StatusFailed,
			RawResponse:  result.RawResponse,
			ErrorMessage: err.Error(),
		}, err
	}
	return result, nil
}

// abandonAttempt marks the in-progress attempt Cancelled when shutdown
// interrupts the backoff wait, using a detached context so the write still
// lands. The original cancellation error is returned.
func (c *Coordinator) abandonAttempt(ctx context.Context, att *types.RetryAttempt, txn *types.PaymentTransaction) error {
	cause := ctx.Err()
	detached := context.WithoutCancel(ctx)

	att.Status = types.AttemptCancelled
	att.ErrorMessage = cause.Error()
	if err := c.store.UpdateRetryAttempt(detached, att); err != nil {
		return fmt.Errorf("cancel attempt %d for %s: %w", att.Number, att.TransactionID, err)
	}
	txn.Status = types.StatusFailed
	txn.UpdatedAt = c.clock.Now()
	if err := c.store.SaveTransaction(detached, txn); err != nil {
		return fmt.Errorf("save transaction %s: %w", txn.ID, err)
	}
	return cause
}
