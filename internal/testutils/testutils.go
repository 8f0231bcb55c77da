// Package testutils provides shared fakes and helpers for pipeline tests
package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/taxera/payretry/pkg/types"
)

// ScriptedGateway is a GatewayAdapter that replays a fixed sequence of
// results, then repeats the last one.
type ScriptedGateway struct {
	mu      sync.Mutex
	script  []ScriptedCall
	calls   int
	history []string
}

// ScriptedCall is one step of a ScriptedGateway script.
type ScriptedCall struct {
	Result types.GatewayResult
	Err    error
}

// NewScriptedGateway creates a gateway that replays the given calls.
func NewScriptedGateway(script ...ScriptedCall) *ScriptedGateway {
	return &ScriptedGateway{script: script}
}

// Succeed returns a scripted successful call.
func Succeed() ScriptedCall {
	return ScriptedCall{Result: types.GatewayResult{
		Status:      types.StatusCompleted,
		RawResponse: `{"status":"ok"}`,
	}}
}

// Fail returns a scripted failed call with the given error message.
func Fail(errMsg string) ScriptedCall {
	return ScriptedCall{Result: types.GatewayResult{
		Status:       types.StatusFailed,
		RawResponse:  `{"error":{"code":"` + errMsg + `"}}`,
		ErrorMessage: errMsg,
	}}
}

// Process implements types.GatewayAdapter.
func (g *ScriptedGateway) Process(ctx context.Context, txn *types.PaymentTransaction) (types.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, txn.ID)
	idx := g.calls
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	g.calls++
	if idx < 0 {
		return types.GatewayResult{Status: types.StatusCompleted}, nil
	}
	call := g.script[idx]
	return call.Result, call.Err
}

// Calls returns how many times Process ran.
func (g *ScriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// RecordingNotifier records permanent failure notifications.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

// NewRecordingNotifier creates an empty notifier.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// NotifyPermanentFailure implements types.NotificationSink.
func (n *RecordingNotifier) NotifyPermanentFailure(ctx context.Context, transactionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, transactionID)
	return nil
}

// Sent returns the notified transaction ids in order.
func (n *RecordingNotifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}

// NewTransaction builds a failed transaction ready for retry.
func NewTransaction(id, gatewayID string, initiatedAt time.Time) *types.PaymentTransaction {
	return &types.PaymentTransaction{
		ID:          id,
		Reference:   "REF-" + id,
		GatewayID:   gatewayID,
		Amount:      125_00,
		Currency:    "KES",
		Status:      types.StatusFailed,
		InitiatedAt: initiatedAt,
		UpdatedAt:   initiatedAt,
	}
}
