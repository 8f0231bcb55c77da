package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/taxera/payretry/pkg/config"
)

// jitterFraction is the upper bound of the jitter, as a fraction of the
// exponential delay.
const jitterFraction = 0.1

// Calculator computes the delay before a retry attempt from the gateway's
// configuration. Attempt numbers are 1-based and name the attempt about to
// run, not the one just completed.
type Calculator struct {
	random func() float64
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithRandomSource sets the jitter source, a function returning values in
// [0, 1). Used by tests for deterministic delays.
func WithRandomSource(random func() float64) CalculatorOption {
	return func(c *Calculator) {
		c.random = random
	}
}

// NewCalculator creates a backoff calculator.
func NewCalculator(opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay returns the wait before the given attempt. Without exponential
// backoff every attempt waits BaseDelay. With it, the delay grows as
// BaseDelay * 2^(attempt-1) plus a jitter drawn uniformly from
// [0, 0.1 * exponential], the sum capped at MaxDelay.
func (c *Calculator) Delay(attempt int, cfg config.GatewayConfig) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	if !cfg.ExponentialBackoff {
		return cfg.BaseDelay
	}

	exponential := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exponential >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}

	jitter := c.random() * jitterFraction * exponential
	delay := time.Duration(exponential + jitter)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
