// Package store provides TransactionStore implementations: an in-memory
// store for tests and embedded use, and a Redis-backed store for
// deployments that share state between processes.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taxera/payretry/pkg/types"
)

// MemoryStore is a mutex-guarded in-memory TransactionStore. All reads
// return copies so callers never alias stored records.
type MemoryStore struct {
	mu sync.RWMutex

	transactions map[string]*types.PaymentTransaction
	attempts     map[string][]*types.RetryAttempt
	attemptIndex map[string]*types.RetryAttempt
	schedules    map[string]*types.ScheduledRetry
	deadLetters  map[string]*types.DeadLetterRecord
	deadOrder    []string // dead letter ids, insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*types.PaymentTransaction),
		attempts:     make(map[string][]*types.RetryAttempt),
		attemptIndex: make(map[string]*types.RetryAttempt),
		schedules:    make(map[string]*types.ScheduledRetry),
		deadLetters:  make(map[string]*types.DeadLetterRecord),
	}
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*types.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.transactions[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) SaveTransaction(ctx context.Context, txn *types.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *txn
	s.transactions[txn.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendRetryAttempt(ctx context.Context, att *types.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *att
	s.attempts[att.TransactionID] = append(s.attempts[att.TransactionID], &cp)
	s.attemptIndex[att.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRetryAttempt(ctx context.Context, att *types.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attemptIndex[att.ID]
	if !ok {
		return types.ErrNotFound
	}
	*stored = *att
	return nil
}

func (s *MemoryStore) ListRetryAttempts(ctx context.Context, transactionID string) ([]*types.RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.attempts[transactionID]
	out := make([]*types.RetryAttempt, 0, len(list))
	for _, att := range list {
		cp := *att
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) ListRetryAttemptsBetween(ctx context.Context, from, to time.Time) ([]*types.RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.RetryAttempt
	for _, list := range s.attempts {
		for _, att := range list {
			if att.AttemptedAt.Before(from) || !att.AttemptedAt.Before(to) {
				continue
			}
			cp := *att
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertScheduledRetry(ctx context.Context, entry *types.ScheduledRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.schedules {
		if existing.TransactionID == entry.TransactionID && existing.Status.Active() {
			existing.Status = types.ScheduleCancelled
			existing.UpdatedAt = entry.CreatedAt
		}
	}
	cp := *entry
	s.schedules[entry.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledRetry(ctx context.Context, id string) (*types.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.schedules[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledRetry(ctx context.Context, entry *types.ScheduledRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedules[entry.ID]
	if !ok {
		return types.ErrNotFound
	}
	*stored = *entry
	return nil
}

func (s *MemoryStore) TransitionScheduledRetry(ctx context.Context, id string, from, to types.ScheduleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedules[id]
	if !ok {
		return false, types.ErrNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = to
	return true, nil
}

func (s *MemoryStore) CancelScheduledRetries(ctx context.Context, transactionID, by string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for _, entry := range s.schedules {
		if entry.TransactionID == transactionID && entry.Status == types.ScheduleScheduled {
			entry.Status = types.ScheduleCancelled
			entry.ScheduledBy = by
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *MemoryStore) DueScheduledRetries(ctx context.Context, before time.Time, limit int) ([]*types.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ScheduledRetry
	for _, entry := range s.schedules {
		if entry.Status == types.ScheduleScheduled && !entry.ScheduledAt.After(before) {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListScheduledRetries(ctx context.Context, status types.ScheduleStatus, limit int) ([]*types.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ScheduledRetry
	for _, entry := range s.schedules {
		if entry.Status == status {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.deadLetters[rec.ID] = &cp
	s.deadOrder = append(s.deadOrder, rec.ID)
	return nil
}

func (s *MemoryStore) UpdateDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.deadLetters[rec.ID]
	if !ok {
		return types.ErrNotFound
	}
	*stored = *rec
	return nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deadLetters[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, page, pageSize int) ([]*types.DeadLetterRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// newest first
	var pending []*types.DeadLetterRecord
	for i := len(s.deadOrder) - 1; i >= 0; i-- {
		rec := s.deadLetters[s.deadOrder[i]]
		if rec.Status == types.DeadLetterPending {
			cp := *rec
			pending = append(pending, &cp)
		}
	}

	start := (page - 1) * pageSize
	if start >= len(pending) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(pending) {
		end = len(pending)
	}
	return pending[start:end], nil
}

func (s *MemoryStore) PendingDeadLetter(ctx context.Context, transactionID string) (*types.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.deadLetters {
		if rec.TransactionID == transactionID && rec.Status == types.DeadLetterPending {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemoryStore) CountPendingDeadLetters(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.deadLetters {
		if rec.Status == types.DeadLetterPending {
			count++
		}
	}
	return count, nil
}
