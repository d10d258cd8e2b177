package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// GuardDeps bundles collaborators required to construct a Guard.
type GuardDeps struct {
	Store      Store
	Clock      func() time.Time
	DefaultTTL time.Duration
}

// Guard short-circuits duplicate command submissions. It wraps a Store with a clock and a default retention.
type Guard struct {
	store Store
	clock func() time.Time
	ttl   atomic.Int64
}

// NewGuard wires a Guard.
func NewGuard(deps GuardDeps) (*Guard, error) {
	if deps.Store == nil {
		return nil, errors.New("idempotency guard: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	guard := &Guard{
		store: deps.Store,
		clock: func() time.Time { return clock().UTC() },
	}
	guard.SetDefaultTTL(deps.DefaultTTL)
	return guard, nil
}

// TTL returns the default retention applied when callers pass zero.
func (g *Guard) TTL() time.Duration {
	return time.Duration(g.ttl.Load())
}

// SetDefaultTTL changes the retention applied to subsequent records.
func (g *Guard) SetDefaultTTL(ttl time.Duration) {
	g.ttl.Store(int64(normalizeTTL(ttl)))
}

// CheckDuplicate returns the stored outcome when a live completed record exists for requestID.
func (g *Guard) CheckDuplicate(ctx context.Context, requestID string) (Record, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Record{}, false, nil
	}
	record, ok, err := g.store.Lookup(ctx, requestID, g.clock())
	if err != nil || !ok || record.Status != StatusCompleted {
		return Record{}, false, err
	}
	return record, true, nil
}

// Begin atomically checks for a duplicate and, when none exists, reserves requestID for the caller. The caller
// must follow up with RecordOutcome or Abandon.
func (g *Guard) Begin(ctx context.Context, requestID, operation string) (Reservation, error) {
	return g.store.Reserve(ctx, requestID, operation, g.clock(), g.TTL())
}

// RecordOutcome stores the result of a first-time execution. A zero ttl uses the default.
func (g *Guard) RecordOutcome(ctx context.Context, requestID, operation string, succeeded bool, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.TTL()
	}
	return g.store.Complete(ctx, requestID, operation, Outcome{Succeeded: succeeded, Payload: payload}, g.clock(), ttl)
}

// Abandon drops a reservation so the request id can be retried.
func (g *Guard) Abandon(ctx context.Context, requestID string) error {
	return g.store.Release(ctx, requestID)
}

// CleanupExpired removes up to limit expired records.
func (g *Guard) CleanupExpired(ctx context.Context, limit int) (int, error) {
	return g.store.CleanupExpired(ctx, g.clock(), limit)
}
