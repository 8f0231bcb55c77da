// Package pipeline wires the retry subsystem together and exposes the
// operations the host system calls.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/taxera/payretry/pkg/breaker"
	"github.com/taxera/payretry/pkg/config"
	"github.com/taxera/payretry/pkg/deadletter"
	"github.com/taxera/payretry/pkg/retry"
	"github.com/taxera/payretry/pkg/schedule"
	"github.com/taxera/payretry/pkg/stats"
	"github.com/taxera/payretry/pkg/types"
	"github.com/taxera/payretry/pkg/worker"
)

// ReasonExhausted is the dead letter reason for transactions that ran out
// of retry attempts.
const ReasonExhausted = "retry attempts exhausted"

// Pipeline is the assembled payment retry subsystem.
type Pipeline struct {
	cfg   *config.Config
	store types.TransactionStore
	clock types.Clock
	log   types.Logger

	gateways    *retry.AdapterMap
	breakers    *breaker.Registry
	coordinator *retry.Coordinator
	queue       *schedule.Queue
	sweeper     *schedule.Sweeper
	pool        *worker.Pool
	dlq         *deadletter.Manager
	aggregator  *stats.Aggregator

	running int32
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	clock    types.Clock
	logger   types.Logger
	notifier types.NotificationSink
	random   func() float64
}

// WithClock sets the clock for all components
func WithClock(clock types.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNotifier sets the permanent failure notification sink
func WithNotifier(notifier types.NotificationSink) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRandomSource sets the backoff jitter source
func WithRandomSource(random func() float64) Option {
	return func(o *options) {
		o.random = random
	}
}

// New assembles a pipeline over a store. Gateway adapters are registered
// afterwards with RegisterGateway; Start launches the background sweep.
func New(cfg *config.Config, store types.TransactionStore, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	o := &options{
		clock:  types.NewRealClock(),
		logger: types.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}

	gateways := retry.NewAdapterMap()
	breakers := breaker.NewRegistry(func(gatewayID string) (int, time.Duration) {
		gc := cfg.Gateway(gatewayID)
		return gc.FailureThreshold, gc.RecoveryTimeout
	},
		breaker.WithRegistryClock(o.clock),
		breaker.WithRegistryStateChange(func(gatewayID string, from, to breaker.State) {
			o.logger.Warnf("gateway %s: circuit breaker %s -> %s", gatewayID, from, to)
		}),
	)

	calcOpts := []retry.CalculatorOption{}
	if o.random != nil {
		calcOpts = append(calcOpts, retry.WithRandomSource(o.random))
	}
	coordinator := retry.NewCoordinator(store, gateways, breakers, cfg,
		retry.WithClock(o.clock),
		retry.WithCalculator(retry.NewCalculator(calcOpts...)),
		retry.WithEventHandler(retry.NewLoggingEventHandler(o.logger)),
	)

	queue := schedule.NewQueue(store, coordinator,
		schedule.WithClock(o.clock),
		schedule.WithLogger(o.logger),
	)

	pool, err := worker.NewPool(&worker.PoolConfig{
		Workers:       cfg.Sweep.Workers,
		QueueSize:     cfg.Sweep.QueueSize,
		SubmitTimeout: 0,
		Clock:         o.clock,
		Logger:        o.logger,
	})
	if err != nil {
		return nil, err
	}

	sweeper := schedule.NewSweeper(queue, pool,
		schedule.WithSweepClock(o.clock),
		schedule.WithSweepLogger(o.logger),
		schedule.WithSweepInterval(cfg.Sweep.Interval),
		schedule.WithSweepBatchSize(cfg.Sweep.BatchSize),
	)

	dlq := deadletter.NewManager(store, o.notifier, queue,
		deadletter.WithClock(o.clock),
		deadletter.WithLogger(o.logger),
	)

	return &Pipeline{
		cfg:         cfg,
		store:       store,
		clock:       o.clock,
		log:         o.logger,
		gateways:    gateways,
		breakers:    breakers,
		coordinator: coordinator,
		queue:       queue,
		sweeper:     sweeper,
		pool:        pool,
		dlq:         dlq,
		aggregator:  stats.NewAggregator(store, breakers),
	}, nil
}

// RegisterGateway installs the adapter for a gateway identifier.
func (p *Pipeline) RegisterGateway(gatewayID string, adapter types.GatewayAdapter) {
	p.gateways.Register(gatewayID, adapter)
}

// Start launches the worker pool and the background sweep.
func (p *Pipeline) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("pipeline is already running")
	}
	if err := p.pool.Start(ctx); err != nil {
		atomic.StoreInt32(&p.running, 0)
		return err
	}
	if err := p.sweeper.Start(ctx); err != nil {
		p.pool.Stop()
		atomic.StoreInt32(&p.running, 0)
		return err
	}
	p.log.Infof("retry pipeline started: sweep every %v, batch %d, %d workers",
		p.cfg.Sweep.Interval, p.cfg.Sweep.BatchSize, p.cfg.Sweep.Workers)
	return nil
}

// Stop ends the background sweep, cancels the worker context, and waits
// for the workers to exit. Cancellation interrupts retries still in their
// backoff wait; their attempts are recorded as Cancelled.
func (p *Pipeline) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return nil
	}
	if err := p.sweeper.Stop(); err != nil {
		return err
	}
	return p.pool.Stop()
}

// Retry executes one retry attempt for the transaction on behalf of actor.
func (p *Pipeline) Retry(ctx context.Context, transactionID, actor string) (types.RetryResult, error) {
	return p.coordinator.Retry(ctx, transactionID, actor)
}

// ScheduleRetry creates a retry obligation at the given time, superseding
// any active one for the transaction.
func (p *Pipeline) ScheduleRetry(ctx context.Context, transactionID string, at time.Time, by string) (*types.ScheduledRetry, error) {
	return p.queue.Schedule(ctx, transactionID, at, by)
}

// CancelScheduledRetries cancels the transaction's active scheduled retry,
// if any. Idempotent.
func (p *Pipeline) CancelScheduledRetries(ctx context.Context, transactionID, by string) (int, error) {
	return p.queue.CancelAll(ctx, transactionID, by)
}

// GetRetryAttempts returns the transaction's attempts in number order.
func (p *Pipeline) GetRetryAttempts(ctx context.Context, transactionID string) ([]*types.RetryAttempt, error) {
	return p.store.ListRetryAttempts(ctx, transactionID)
}

// HandlePermanentFailure gives up on a transaction: pending schedules are
// cancelled and the transaction moves to the dead letter queue, firing one
// notification.
func (p *Pipeline) HandlePermanentFailure(ctx context.Context, transactionID, reason string) (*types.DeadLetterRecord, error) {
	if reason == "" {
		reason = ReasonExhausted
	}
	if _, err := p.queue.CancelAll(ctx, transactionID, types.SystemActor); err != nil {
		return nil, err
	}
	return p.dlq.MoveToDeadLetter(ctx, transactionID, reason)
}

// MoveToDeadLetter moves a transaction into the dead letter queue.
func (p *Pipeline) MoveToDeadLetter(ctx context.Context, transactionID, reason string) (*types.DeadLetterRecord, error) {
	return p.dlq.MoveToDeadLetter(ctx, transactionID, reason)
}

// GetDeadLetterQueue returns Pending dead letter records, newest first.
func (p *Pipeline) GetDeadLetterQueue(ctx context.Context, page, pageSize int) ([]*types.DeadLetterRecord, error) {
	return p.dlq.List(ctx, page, pageSize)
}

// ProcessDeadLetter applies an operator action to a dead letter record.
func (p *Pipeline) ProcessDeadLetter(ctx context.Context, id string, action deadletter.Action, by, note string) (*types.DeadLetterRecord, error) {
	return p.dlq.Process(ctx, id, action, by, note)
}

// GetPendingScheduledRetries returns entries waiting for their due time.
func (p *Pipeline) GetPendingScheduledRetries(ctx context.Context, limit int) ([]*types.ScheduledRetry, error) {
	return p.queue.Pending(ctx, limit)
}

// ProcessScheduledRetry executes one scheduled entry immediately.
func (p *Pipeline) ProcessScheduledRetry(ctx context.Context, id string) (bool, error) {
	return p.queue.Process(ctx, id)
}

// GetRetryStatistics aggregates retry history for [from, to).
func (p *Pipeline) GetRetryStatistics(ctx context.Context, from, to time.Time) (*stats.Report, error) {
	return p.aggregator.Report(ctx, from, to)
}

// GetCircuitBreakerStatus returns live breaker snapshots for all gateways
// seen so far.
func (p *Pipeline) GetCircuitBreakerStatus() []types.CircuitStatus {
	return p.breakers.Status()
}

// ResetCircuitBreaker forces a gateway's breaker back to Closed. It
// reports whether the gateway had a breaker.
func (p *Pipeline) ResetCircuitBreaker(gatewayID string) bool {
	return p.breakers.Reset(gatewayID)
}

// Sweep runs one sweep cycle immediately, returning how many due entries
// were submitted for processing. Useful for tests and manual draining.
func (p *Pipeline) Sweep(ctx context.Context) int {
	return p.sweeper.Sweep(ctx)
}
