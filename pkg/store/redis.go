package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taxera/payretry/pkg/types"
)

// DefaultKeyPrefix namespaces all pipeline keys in Redis.
const DefaultKeyPrefix = "payretry:"

// RedisStore is a Redis-backed TransactionStore. Layout:
//
//	<p>txn:<id>        transaction JSON
//	<p>attempts:<txn>  LIST of attempt ids, append order
//	<p>attempt:<id>    attempt JSON
//	<p>attempts:due    ZSET attempt id scored by AttemptedAt (unix nanos)
//	<p>sched:<id>      scheduled retry JSON
//	<p>sched:active    HASH transaction id -> active schedule id
//	<p>sched:due       ZSET schedule id scored by ScheduledAt (unix nanos)
//	<p>dlq:<id>        dead letter record JSON
//	<p>dlq:pending     LIST of pending record ids, newest first
//	<p>dlq:by_txn      HASH transaction id -> pending record id
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store on an existing Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetTransaction(ctx context.Context, id string) (*types.PaymentTransaction, error) {
	var txn types.PaymentTransaction
	if err := s.getJSON(ctx, s.key("txn", id), &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *RedisStore) SaveTransaction(ctx context.Context, txn *types.PaymentTransaction) error {
	return s.setJSON(ctx, s.key("txn", txn.ID), txn)
}

func (s *RedisStore) AppendRetryAttempt(ctx context.Context, att *types.RetryAttempt) error {
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attempt %s: %w", att.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("attempt", att.ID), data, 0)
		pipe.RPush(ctx, s.key("attempts", att.TransactionID), att.ID)
		pipe.ZAdd(ctx, s.key("attempts", "due"), redis.Z{
			Score:  float64(att.AttemptedAt.UnixNano()),
			Member: att.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append attempt %s: %w", att.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateRetryAttempt(ctx context.Context, att *types.RetryAttempt) error {
	exists, err := s.client.Exists(ctx, s.key("attempt", att.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists attempt %s: %w", att.ID, err)
	}
	if exists == 0 {
		return types.ErrNotFound
	}
	return s.setJSON(ctx, s.key("attempt", att.ID), att)
}

func (s *RedisStore) ListRetryAttempts(ctx context.Context, transactionID string) ([]*types.RetryAttempt, error) {
	ids, err := s.client.LRange(ctx, s.key("attempts", transactionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange attempts %s: %w", transactionID, err)
	}
	return s.loadAttempts(ctx, ids)
}

func (s *RedisStore) ListRetryAttemptsBetween(ctx context.Context, from, to time.Time) ([]*types.RetryAttempt, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("attempts", "due"), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixNano()),
		Max: fmt.Sprintf("(%d", to.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange attempts: %w", err)
	}
	return s.loadAttempts(ctx, ids)
}

func (s *RedisStore) loadAttempts(ctx context.Context, ids []string) ([]*types.RetryAttempt, error) {
	out := make([]*types.RetryAttempt, 0, len(ids))
	for _, id := range ids {
		var att types.RetryAttempt
		err := s.getJSON(ctx, s.key("attempt", id), &att)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &att)
	}
	return out, nil
}

func (s *RedisStore) UpsertScheduledRetry(ctx context.Context, entry *types.ScheduledRetry) error {
	activeKey := s.key("sched", "active")

	// WATCH the active index so two schedulers for the same transaction
	// cannot both install an entry.
	txf := func(tx *redis.Tx) error {
		oldID, err := tx.HGet(ctx, activeKey, entry.TransactionID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var superseded *types.ScheduledRetry
		if oldID != "" && oldID != entry.ID {
			var old types.ScheduledRetry
			data, err := tx.Get(ctx, s.key("sched", oldID)).Bytes()
			if err == nil {
				if jerr := json.Unmarshal(data, &old); jerr == nil && old.Status.Active() {
					old.Status = types.ScheduleCancelled
					old.UpdatedAt = entry.CreatedAt
					superseded = &old
				}
			} else if !errors.Is(err, redis.Nil) {
				return err
			}
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if superseded != nil {
				oldData, err := json.Marshal(superseded)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.key("sched", superseded.ID), oldData, 0)
				pipe.ZRem(ctx, s.key("sched", "due"), superseded.ID)
			}
			pipe.Set(ctx, s.key("sched", entry.ID), data, 0)
			pipe.ZAdd(ctx, s.key("sched", "due"), redis.Z{
				Score:  float64(entry.ScheduledAt.UnixNano()),
				Member: entry.ID,
			})
			pipe.HSet(ctx, activeKey, entry.TransactionID, entry.ID)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, activeKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent scheduler raced us, retry
		}
		return fmt.Errorf("redis upsert schedule %s: %w", entry.ID, err)
	}
	return fmt.Errorf("redis upsert schedule %s: %w", entry.ID, redis.TxFailedErr)
}

func (s *RedisStore) GetScheduledRetry(ctx context.Context, id string) (*types.ScheduledRetry, error) {
	var entry types.ScheduledRetry
	if err := s.getJSON(ctx, s.key("sched", id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) UpdateScheduledRetry(ctx context.Context, entry *types.ScheduledRetry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", entry.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("sched", entry.ID), data, 0)
		if entry.Status != types.ScheduleScheduled {
			pipe.ZRem(ctx, s.key("sched", "due"), entry.ID)
		}
		if !entry.Status.Active() {
			pipe.HDel(ctx, s.key("sched", "active"), entry.TransactionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update schedule %s: %w", entry.ID, err)
	}
	return nil
}

func (s *RedisStore) TransitionScheduledRetry(ctx context.Context, id string, from, to types.ScheduleStatus) (bool, error) {
	key := s.key("sched", id)
	claimed := false

	// WATCH the entry so two sweeps cannot both move it out of `from`.
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		var entry types.ScheduledRetry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.Status != from {
			return nil
		}
		entry.Status = to
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if to != types.ScheduleScheduled {
				pipe.ZRem(ctx, s.key("sched", "due"), id)
			}
			if !to.Active() {
				pipe.HDel(ctx, s.key("sched", "active"), entry.TransactionID)
			}
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}

	for i := 0; i < 3; i++ {
		claimed = false
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent sweep raced us, retry
		}
		if errors.Is(err, types.ErrNotFound) {
			return false, types.ErrNotFound
		}
		return false, fmt.Errorf("redis transition schedule %s: %w", id, err)
	}
	return false, nil
}

func (s *RedisStore) CancelScheduledRetries(ctx context.Context, transactionID, by string) (int, error) {
	id, err := s.client.HGet(ctx, s.key("sched", "active"), transactionID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget active schedule %s: %w", transactionID, err)
	}

	entry, err := s.GetScheduledRetry(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		// dangling index entry, drop it
		s.client.HDel(ctx, s.key("sched", "active"), transactionID)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if entry.Status != types.ScheduleScheduled {
		return 0, nil
	}

	entry.Status = types.ScheduleCancelled
	entry.ScheduledBy = by
	if err := s.UpdateScheduledRetry(ctx, entry); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *RedisStore) DueScheduledRetries(ctx context.Context, before time.Time, limit int) ([]*types.ScheduledRetry, error) {
	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.UnixNano()),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.key("sched", "due"), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange schedules: %w", err)
	}
	return s.loadSchedules(ctx, ids, types.ScheduleScheduled)
}

func (s *RedisStore) ListScheduledRetries(ctx context.Context, status types.ScheduleStatus, limit int) ([]*types.ScheduledRetry, error) {
	if status == types.ScheduleScheduled {
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if limit > 0 {
			rng.Count = int64(limit)
		}
		ids, err := s.client.ZRangeByScore(ctx, s.key("sched", "due"), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrange schedules: %w", err)
		}
		return s.loadSchedules(ctx, ids, status)
	}

	// Non-scheduled states have no index; scan the schedule keys.
	var out []*types.ScheduledRetry
	iter := s.client.Scan(ctx, 0, s.key("sched", "*"), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == s.key("sched", "active") || key == s.key("sched", "due") {
			continue
		}
		var entry types.ScheduledRetry
		if err := s.getJSON(ctx, key, &entry); err != nil {
			continue
		}
		if entry.Status == status {
			out = append(out, &entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan schedules: %w", err)
	}
	return out, nil
}

func (s *RedisStore) loadSchedules(ctx context.Context, ids []string, status types.ScheduleStatus) ([]*types.ScheduledRetry, error) {
	out := make([]*types.ScheduledRetry, 0, len(ids))
	for _, id := range ids {
		var entry types.ScheduledRetry
		err := s.getJSON(ctx, s.key("sched", id), &entry)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Status == status {
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (s *RedisStore) AppendDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", rec.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("dlq", rec.ID), data, 0)
		pipe.LPush(ctx, s.key("dlq", "pending"), rec.ID)
		pipe.HSet(ctx, s.key("dlq", "by_txn"), rec.TransactionID, rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append dead letter %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", rec.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("dlq", rec.ID), data, 0)
		if rec.Status != types.DeadLetterPending {
			pipe.LRem(ctx, s.key("dlq", "pending"), 0, rec.ID)
			pipe.HDel(ctx, s.key("dlq", "by_txn"), rec.TransactionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update dead letter %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	var rec types.DeadLetterRecord
	if err := s.getJSON(ctx, s.key("dlq", id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) ListDeadLetters(ctx context.Context, page, pageSize int) ([]*types.DeadLetterRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1

	ids, err := s.client.LRange(ctx, s.key("dlq", "pending"), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange dead letters: %w", err)
	}
	out := make([]*types.DeadLetterRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetDeadLetter(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == types.DeadLetterPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) PendingDeadLetter(ctx context.Context, transactionID string) (*types.DeadLetterRecord, error) {
	id, err := s.client.HGet(ctx, s.key("dlq", "by_txn"), transactionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget dead letter %s: %w", transactionID, err)
	}
	return s.GetDeadLetter(ctx, id)
}

func (s *RedisStore) CountPendingDeadLetters(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key("dlq", "pending")).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen dead letters: %w", err)
	}
	return int(n), nil
}
