// Package config defines the per-gateway retry configuration and its YAML
// file format.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the retry and circuit breaker tuning for one payment
// gateway.
type GatewayConfig struct {
	// MaxRetryAttempts is the maximum number of retry attempts before the
	// transaction is handed to the permanent failure path.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// BaseDelay is the delay before the first retry attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the computed backoff delay, jitter included.
	MaxDelay time.Duration `yaml:"max_delay"`

	// ExponentialBackoff selects exponential growth; when false every
	// attempt waits BaseDelay.
	ExponentialBackoff bool `yaml:"exponential_backoff"`

	// RetryableErrors are the substrings (matched case-insensitively) that
	// classify a gateway error as transient.
	RetryableErrors []string `yaml:"retryable_errors"`

	// FailureThreshold is the consecutive failure count that opens the
	// gateway's circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// SweepConfig tunes the background sweep that drains due scheduled retries.
type SweepConfig struct {
	// Interval is the time between sweep cycles.
	Interval time.Duration `yaml:"interval"`

	// BatchSize bounds how many due entries one cycle pulls.
	BatchSize int `yaml:"batch_size"`

	// Workers is the size of the worker pool processing due entries.
	Workers int `yaml:"workers"`

	// QueueSize is the worker pool queue capacity.
	QueueSize int `yaml:"queue_size"`
}

// Config is the root pipeline configuration.
type Config struct {
	// Defaults applies to every gateway without an explicit section.
	Defaults GatewayConfig `yaml:"defaults"`

	// Gateways holds per-gateway overrides keyed by gateway identifier.
	// Fields omitted in a gateway section inherit from Defaults.
	Gateways map[string]GatewayConfig `yaml:"-"`

	// Sweep tunes the background sweep.
	Sweep SweepConfig `yaml:"sweep"`
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxRetryAttempts:   5,
		BaseDelay:          2 * time.Minute,
		MaxDelay:           60 * time.Minute,
		ExponentialBackoff: true,
		RetryableErrors:    []string{"TIMEOUT", "CONNECTION", "UNAVAILABLE", "THROTTLED"},
		FailureThreshold:   10,
		RecoveryTimeout:    5 * time.Minute,
	}
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Defaults: DefaultGatewayConfig(),
		Gateways: make(map[string]GatewayConfig),
		Sweep: SweepConfig{
			Interval:  time.Minute,
			BatchSize: 50,
			Workers:   10,
			QueueSize: 100,
		},
	}
}

// rawConfig defers gateway sections so each one can be decoded on top of a
// copy of the defaults.
type rawConfig struct {
	Defaults yaml.Node            `yaml:"defaults"`
	Gateways map[string]yaml.Node `yaml:"gateways"`
	Sweep    *SweepConfig         `yaml:"sweep"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	if !raw.Defaults.IsZero() {
		// decode over the built-in defaults so omitted fields keep them
		if err := raw.Defaults.Decode(&cfg.Defaults); err != nil {
			return nil, fmt.Errorf("decode defaults: %w", err)
		}
	}
	if raw.Sweep != nil {
		if raw.Sweep.Interval > 0 {
			cfg.Sweep.Interval = raw.Sweep.Interval
		}
		if raw.Sweep.BatchSize > 0 {
			cfg.Sweep.BatchSize = raw.Sweep.BatchSize
		}
		if raw.Sweep.Workers > 0 {
			cfg.Sweep.Workers = raw.Sweep.Workers
		}
		if raw.Sweep.QueueSize > 0 {
			cfg.Sweep.QueueSize = raw.Sweep.QueueSize
		}
	}
	for id, node := range raw.Gateways {
		gc := cfg.Defaults
		if err := node.Decode(&gc); err != nil {
			return nil, fmt.Errorf("decode gateway %q: %w", id, err)
		}
		cfg.Gateways[id] = gc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Gateway returns the effective configuration for a gateway, falling back
// to the defaults when no section exists for it.
func (c *Config) Gateway(id string) GatewayConfig {
	if gc, ok := c.Gateways[id]; ok {
		return gc
	}
	return c.Defaults
}

// SetGateway installs or replaces a gateway section.
func (c *Config) SetGateway(id string, gc GatewayConfig) {
	if c.Gateways == nil {
		c.Gateways = make(map[string]GatewayConfig)
	}
	c.Gateways[id] = gc
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	check := func(id string, gc GatewayConfig) error {
		if gc.MaxRetryAttempts <= 0 {
			return fmt.Errorf("gateway %s: max_retry_attempts must be positive, got %d", id, gc.MaxRetryAttempts)
		}
		if gc.BaseDelay <= 0 {
			return fmt.Errorf("gateway %s: base_delay must be positive, got %v", id, gc.BaseDelay)
		}
		if gc.MaxDelay < gc.BaseDelay {
			return fmt.Errorf("gateway %s: max_delay %v is below base_delay %v", id, gc.MaxDelay, gc.BaseDelay)
		}
		if gc.FailureThreshold <= 0 {
			return fmt.Errorf("gateway %s: failure_threshold must be positive, got %d", id, gc.FailureThreshold)
		}
		if gc.RecoveryTimeout <= 0 {
			return fmt.Errorf("gateway %s: recovery_timeout must be positive, got %v", id, gc.RecoveryTimeout)
		}
		return nil
	}

	if err := check("defaults", c.Defaults); err != nil {
		return err
	}
	for id, gc := range c.Gateways {
		if err := check(id, gc); err != nil {
			return err
		}
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.Sweep.Interval)
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep batch_size must be positive, got %d", c.Sweep.BatchSize)
	}
	if c.Sweep.Workers <= 0 {
		return fmt.Errorf("sweep workers must be positive, got %d", c.Sweep.Workers)
	}
	return nil
}
