package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taxera/payretry/pkg/types"
	"github.com/taxera/payretry/pkg/worker"
)

// DefaultSweepInterval is the default time between sweep cycles.
const DefaultSweepInterval = time.Minute

// DefaultSweepBatchSize is the default bound on due entries per cycle.
const DefaultSweepBatchSize = 50

// Sweeper periodically drains due scheduled retries. Each due entry is
// processed as an independent task on the worker pool; a full pool ends the
// cycle early and the remaining entries stay due for the next one.
type Sweeper struct {
	queue     *Queue
	pool      *worker.Pool
	clock     types.Clock
	logger    types.Logger
	interval  time.Duration
	batchSize int

	state  int32 // 0 stopped, 1 running, 2 closed
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock sets the clock for time operations
func WithSweepClock(clock types.Clock) SweeperOption {
	return func(s *Sweeper) {
		s.clock = clock
	}
}

// WithSweepLogger sets the logger
func WithSweepLogger(logger types.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithSweepInterval sets the time between sweep cycles
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

// WithSweepBatchSize bounds how many due entries one cycle pulls
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(s *Sweeper) {
		s.batchSize = batchSize
	}
}

// NewSweeper creates a sweeper over a queue and worker pool.
func NewSweeper(queue *Queue, pool *worker.Pool, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		queue:     queue,
		pool:      pool,
		clock:     types.NewRealClock(),
		logger:    types.NopLogger{},
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. The pool must already be started.
func (s *Sweeper) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, 0, 1) {
		if atomic.LoadInt32(&s.state) == 1 {
			return fmt.Errorf("sweeper is already running")
		}
		return fmt.Errorf("sweeper is closed")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				s.Sweep(loopCtx)
			}
		}
	}()
	return nil
}

// Stop ends the sweep loop. In-flight entry processing is not aborted.
func (s *Sweeper) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.state, 1, 2) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// Sweep runs one cycle: pull a bounded batch of due entries and submit each
// for independent processing. It returns how many entries were submitted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	due, err := s.queue.DueBefore(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		s.logger.Errorf("sweep: listing due retries failed: %v", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	submitted := 0
	for _, entry := range due {
		id := entry.ID
		task := worker.NewBasicTaskWithID("sched-"+id, func(taskCtx context.Context) error {
			_, err := s.queue.Process(taskCtx, id)
			return err
		})
		if err := s.pool.SubmitWithTimeout(task, 0); err != nil {
			if errors.Is(err, types.ErrPoolFull) {
				// backpressure: leave the rest for the next cycle
				s.logger.Debugf("sweep: pool full after %d submissions, deferring %d entries", submitted, len(due)-submitted)
				break
			}
			s.logger.Errorf("sweep: submitting entry %s failed: %v", id, err)
			continue
		}
		submitted++
	}
	return submitted
}
