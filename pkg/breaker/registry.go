package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/taxera/payretry/pkg/types"
)

// Settings supplies the breaker tuning for a gateway, usually backed by
// config.Config.Gateway.
type Settings func(gatewayID string) (threshold int, recoveryTimeout time.Duration)

// Registry holds one breaker per gateway, created on first use. Breaker
// state is per-process and resets to Closed on restart.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	settings      Settings
	clock         types.Clock
	onStateChange StateChangeFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used by created breakers
func WithRegistryClock(clock types.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithRegistryStateChange sets a transition observer for all breakers
func WithRegistryStateChange(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) {
		r.onStateChange = fn
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(settings Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings,
		clock:    types.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for a gateway, creating it on first use.
func (r *Registry) Get(gatewayID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[gatewayID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[gatewayID]; ok {
		return b
	}
	threshold, recovery := r.settings(gatewayID)
	b = New(gatewayID, threshold, recovery,
		WithClock(r.clock),
		WithStateChange(r.onStateChange))
	r.breakers[gatewayID] = b
	return b
}

// Status returns snapshots for all known gateways, ordered by gateway id.
func (r *Registry) Status() []types.CircuitStatus {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	statuses := make([]types.CircuitStatus, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].GatewayID < statuses[j].GatewayID
	})
	return statuses
}

// StatusFor returns the snapshot for one gateway.
func (r *Registry) StatusFor(gatewayID string) (types.CircuitStatus, bool) {
	r.mu.RLock()
	b, ok := r.breakers[gatewayID]
	r.mu.RUnlock()
	if !ok {
		return types.CircuitStatus{}, false
	}
	return b.Status(), true
}

// Reset forces one gateway's breaker back to Closed. It reports whether a
// breaker existed for the gateway.
func (r *Registry) Reset(gatewayID string) bool {
	r.mu.RLock()
	b, ok := r.breakers[gatewayID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
