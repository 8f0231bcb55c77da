// Package stats derives success-rate and health metrics from retry
// history. The computation is read-only; circuit breaker states are always
// read live, never from a cached snapshot.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/taxera/payretry/pkg/breaker"
	"github.com/taxera/payretry/pkg/types"
)

// GatewayStats is the per-gateway slice of a report.
type GatewayStats struct {
	Attempts        int           `json:"attempts"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Report is the aggregate over a date range plus the live health state.
type Report struct {
	From              time.Time               `json:"from"`
	To                time.Time               `json:"to"`
	TotalAttempts     int                     `json:"total_attempts"`
	Successes         int                     `json:"successes"`
	Failures          int                     `json:"failures"`
	SuccessRate       float64                 `json:"success_rate"`
	AverageDuration   time.Duration           `json:"average_duration"`
	Gateways          map[string]GatewayStats `json:"gateways"`
	DeadLetterBacklog int                     `json:"dead_letter_backlog"`
	Circuits          []types.CircuitStatus   `json:"circuits"`
}

// Aggregator computes reports from the store and the breaker registry.
type Aggregator struct {
	store    types.TransactionStore
	breakers *breaker.Registry
}

// NewAggregator creates a statistics aggregator.
func NewAggregator(store types.TransactionStore, breakers *breaker.Registry) *Aggregator {
	return &Aggregator{
		store:    store,
		breakers: breakers,
	}
}

// Report aggregates retry attempts with AttemptedAt in [from, to) and
// attaches the current dead letter backlog and breaker states.
func (a *Aggregator) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	attempts, err := a.store.ListRetryAttemptsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list retry attempts: %w", err)
	}

	report := &Report{
		From:     from,
		To:       to,
		Gateways: make(map[string]GatewayStats),
	}

	totalDuration := time.Duration(0)
	gatewayDurations := make(map[string]time.Duration)

	for _, att := range attempts {
		switch att.Status {
		case types.AttemptCompleted:
			report.Successes++
		case types.AttemptFailed:
			report.Failures++
		default:
			// in-progress and cancelled attempts are not counted
			continue
		}
		report.TotalAttempts++
		totalDuration += att.Duration

		gs := report.Gateways[att.GatewayID]
		gs.Attempts++
		if att.Status == types.AttemptCompleted {
			gs.Successes++
		} else {
			gs.Failures++
		}
		gatewayDurations[att.GatewayID] += att.Duration
		report.Gateways[att.GatewayID] = gs
	}

	if report.TotalAttempts > 0 {
		report.SuccessRate = float64(report.Successes) / float64(report.TotalAttempts)
		report.AverageDuration = totalDuration / time.Duration(report.TotalAttempts)
	}
	for id, gs := range report.Gateways {
		if gs.Attempts > 0 {
			gs.SuccessRate = float64(gs.Successes) / float64(gs.Attempts)
			gs.AverageDuration = gatewayDurations[id] / time.Duration(gs.Attempts)
		}
		report.Gateways[id] = gs
	}

	backlog, err := a.store.CountPendingDeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("count dead letter backlog: %w", err)
	}
	report.DeadLetterBacklog = backlog
	report.Circuits = a.breakers.Status()

	return report, nil
}
