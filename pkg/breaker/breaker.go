// Package breaker implements the per-gateway circuit breaker state machine
// and its registry.
package breaker

import (
	"sync"
	"time"

	"github.com/taxera/payretry/pkg/types"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes requests through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen short-circuits requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets a probe call through to test recovery.
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(gatewayID string, from, to State)

// Breaker is the health gate for one gateway. All retries for that gateway
// share one instance; every transition is a single mutex-guarded
// read-modify-write.
type Breaker struct {
	mu sync.Mutex

	gatewayID       string
	state           State
	failures        int
	threshold       int
	recoveryTimeout time.Duration
	lastFailureAt   time.Time
	nextEligibleAt  time.Time

	clock         types.Clock
	onStateChange StateChangeFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// WithStateChange sets a transition observer
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a breaker for one gateway. It starts Closed.
func New(gatewayID string, threshold int, recoveryTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		gatewayID:       gatewayID,
		state:           StateClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		clock:           types.NewRealClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call to the gateway may proceed. While Open it
// returns false together with the earliest eligible retry time. The
// Open -> HalfOpen transition happens lazily here once the recovery timeout
// has elapsed; no background timer is involved.
func (b *Breaker) Allow() (ok bool, retryAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.clock.Now().Before(b.nextEligibleAt) {
		b.transition(StateHalfOpen)
	}

	if b.state == StateOpen {
		return false, b.nextEligibleAt
	}
	return true, time.Time{}
}

// RecordSuccess feeds a successful gateway call into the state machine.
// Any success zeroes the consecutive failure count; a HalfOpen probe
// success closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure feeds a failed gateway call into the state machine. A
// HalfOpen probe failure reopens the breaker with a fresh recovery window;
// a Closed breaker opens once the consecutive failure count reaches the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures++
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		b.nextEligibleAt = now.Add(b.recoveryTimeout)
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.nextEligibleAt = now.Add(b.recoveryTimeout)
			b.transition(StateOpen)
		}
	}
}

// Reset forces the breaker back to Closed with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
	b.nextEligibleAt = time.Time{}
}

// State returns the current state, applying the lazy HalfOpen transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.clock.Now().Before(b.nextEligibleAt) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Status returns a point-in-time snapshot.
func (b *Breaker) Status() types.CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.clock.Now().Before(b.nextEligibleAt) {
		b.transition(StateHalfOpen)
	}
	return types.CircuitStatus{
		GatewayID:      b.gatewayID,
		State:          b.state.String(),
		Failures:       b.failures,
		Threshold:      b.threshold,
		LastFailureAt:  b.lastFailureAt,
		NextEligibleAt: b.nextEligibleAt,
	}
}

// transition switches state and notifies the observer. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.gatewayID, from, to)
	}
}
