package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "orderengine:idempotency:"
	redisReserveRetries = 3
)

// RedisClient is the subset of go-redis used by RedisStore. *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisOption customises the RedisStore behaviour.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the namespace applied to every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(store *RedisStore) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// RedisStore implements Store on Redis. SETNX provides the atomic reservation and key expiry bounds memory, so
// CleanupExpired has nothing to do.
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Reserve implements the Store interface.
func (s *RedisStore) Reserve(ctx context.Context, requestID, operation string, now time.Time, ttl time.Duration) (Reservation, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Reservation{}, ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	key := s.key(requestID)

	pending := newPendingRecord(requestID, operation, now, ttl)
	data, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for attempt := 0; attempt < redisReserveRetries; attempt++ {
		created, err := s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return Reservation{}, err
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: pending}, nil
		}

		record, found, err := s.read(ctx, key)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			// expired between SETNX and GET
			continue
		}
		if record.Expired(now) {
			if _, err := s.client.Del(ctx, key).Result(); err != nil {
				return Reservation{}, err
			}
			continue
		}
		return reservationFor(record, operation)
	}

	return Reservation{}, fmt.Errorf("idempotency: could not reserve %q after %d attempts", requestID, redisReserveRetries)
}

// Complete implements the Store interface.
func (s *RedisStore) Complete(ctx context.Context, requestID, operation string, outcome Outcome, now time.Time, ttl time.Duration) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	key := s.key(requestID)

	record, found, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if found && record.Operation != "" && record.Operation != operation {
		return ErrOperationMismatch
	}
	if !found || record.Expired(now) {
		record = Record{RequestID: requestID}
	}

	completed := completeRecord(record, operation, outcome, now, ttl)
	remaining := completed.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	data, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	return s.client.Set(ctx, key, data, remaining).Err()
}

// Lookup implements the Store interface.
func (s *RedisStore) Lookup(ctx context.Context, requestID string, now time.Time) (Record, bool, error) {
	record, found, err := s.read(ctx, s.key(requestID))
	if err != nil || !found {
		return Record{}, false, err
	}
	if record.Expired(now.UTC()) {
		return Record{}, false, nil
	}
	return record, true, nil
}

// Release implements the Store interface.
func (s *RedisStore) Release(ctx context.Context, requestID string) error {
	return s.client.Del(ctx, s.key(requestID)).Err()
}

// CleanupExpired implements the Store interface. Redis evicts expired keys itself.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) read(ctx context.Context, key string) (Record, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record %s: %w", key, err)
	}
	return record, true, nil
}

func (s *RedisStore) key(requestID string) string {
	return s.prefix + documentKey(requestID)
}
