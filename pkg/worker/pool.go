package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taxera/payretry/pkg/types"
)

// PoolConfig defines configuration for the fixed worker pool.
type PoolConfig struct {
	// Workers is the number of worker goroutines
	Workers int

	// QueueSize is the task queue capacity
	QueueSize int

	// SubmitTimeout is the task submission timeout
	SubmitTimeout time.Duration

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for task errors (optional, defaults to no-op)
	Logger types.Logger
}

// DefaultPoolConfig returns default configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:       10,
		QueueSize:     100,
		SubmitTimeout: 5 * time.Second,
		Clock:         types.NewRealClock(),
		Logger:        types.NopLogger{},
	}
}

// PoolStats holds point-in-time pool statistics.
type PoolStats struct {
	Workers       int
	ActiveWorkers int
	QueueSize     int
	QueueCapacity int
}

// Pool is a fixed-size worker pool.
type Pool struct {
	config   *PoolConfig
	taskChan chan Task

	// state: 0 stopped, 1 running, 2 closed
	state     int32
	active    int32
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool creates a fixed worker pool.
func NewPool(config *PoolConfig) (*Pool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}

	if config.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", config.Workers)
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", config.QueueSize)
	}
	if config.Clock == nil {
		config.Clock = types.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = types.NopLogger{}
	}

	return &Pool{
		config:   config,
		taskChan: make(chan Task, config.QueueSize),
	}, nil
}

// Start starts the worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.state, 0, 1) {
		if atomic.LoadInt32(&p.state) == 1 {
			return fmt.Errorf("worker pool is already running")
		}
		return types.ErrPoolClosed
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return nil
}

// run is one worker loop.
func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			atomic.AddInt32(&p.active, 1)
			if err := task.Execute(p.ctx); err != nil {
				p.config.Logger.Warnf("worker %d: task %s failed: %v", id, task.ID(), err)
			}
			atomic.AddInt32(&p.active, -1)
		}
	}
}

// Submit submits a task with the configured timeout.
func (p *Pool) Submit(task Task) error {
	return p.SubmitWithTimeout(task, p.config.SubmitTimeout)
}

// SubmitWithTimeout submits a task, waiting at most the given duration for
// queue space. A non-positive timeout makes the submit non-blocking.
func (p *Pool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	state := atomic.LoadInt32(&p.state)
	if state != 1 {
		if state == 0 {
			return fmt.Errorf("worker pool is not started")
		}
		return types.ErrPoolClosed
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	if timeout <= 0 {
		select {
		case p.taskChan <- task:
			return nil
		default:
			return types.ErrPoolFull
		}
	}

	timer := p.config.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.taskChan <- task:
		return nil
	case <-timer.C():
		return types.ErrPoolFull
	case <-p.ctx.Done():
		return types.ErrPoolClosed
	}
}

// Stop cancels the pool context and waits for the workers to exit. Tasks
// that honor the context are interrupted rather than run to completion.
func (p *Pool) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.state, 1, 2) {
		return nil
	}
	p.closeOnce.Do(func() {
		p.cancel()
	})
	p.wg.Wait()
	return nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Workers
}

// Stats returns point-in-time pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.config.Workers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueueSize:     len(p.taskChan),
		QueueCapacity: cap(p.taskChan),
	}
}
