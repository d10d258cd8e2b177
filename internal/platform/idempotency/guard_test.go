package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *testClock, *MemoryStore) {
	t.Helper()
	clock := &testClock{now: fixedTime}
	store := NewMemoryStore()
	guard, err := NewGuard(GuardDeps{Store: store, Clock: clock.Now, DefaultTTL: ttl})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return guard, clock, store
}

func TestGuard_CheckDuplicateLifecycle(t *testing.T) {
	ctx := context.Background()
	guard, clock, _ := newTestGuard(t, time.Hour)

	if _, ok, err := guard.CheckDuplicate(ctx, "R1"); err != nil || ok {
		t.Fatalf("expected no duplicate before recording, ok=%v err=%v", ok, err)
	}

	if err := guard.RecordOutcome(ctx, "R1", "ConfirmOrder", true, []byte("P"), 0); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	record, ok, err := guard.CheckDuplicate(ctx, "R1")
	if err != nil || !ok {
		t.Fatalf("expected duplicate, ok=%v err=%v", ok, err)
	}
	if string(record.Payload) != "P" || !record.Succeeded || record.Operation != "ConfirmOrder" {
		t.Fatalf("unexpected record %+v", record)
	}

	clock.Advance(time.Hour)
	if _, ok, _ := guard.CheckDuplicate(ctx, "R1"); !ok {
		t.Fatalf("record must stay valid up to its ttl")
	}

	clock.Advance(time.Second)
	if _, ok, err := guard.CheckDuplicate(ctx, "R1"); err != nil || ok {
		t.Fatalf("expected expired record to be treated as absent, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_CompletionKeepsReservationWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Reserve(ctx, "R9", "ServeOrder", fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	completedAt := fixedTime.Add(50 * time.Minute)
	if err := store.Complete(ctx, "R9", "ServeOrder", Outcome{Succeeded: true}, completedAt, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	record, ok, err := store.Lookup(ctx, "R9", fixedTime.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected record at the end of its window, ok=%v err=%v", ok, err)
	}
	if !record.CreatedAt.Equal(fixedTime) || !record.ExpiresAt.Equal(fixedTime.Add(time.Hour)) {
		t.Fatalf("expected window anchored on reservation, got created=%s expires=%s", record.CreatedAt, record.ExpiresAt)
	}
	if !record.UpdatedAt.Equal(completedAt) {
		t.Fatalf("expected updatedAt %s, got %s", completedAt, record.UpdatedAt)
	}

	if _, ok, _ := store.Lookup(ctx, "R9", fixedTime.Add(time.Hour+time.Second)); ok {
		t.Fatal("record must expire ttl after its reservation, not after completion")
	}
}

func TestGuard_RecordsFailures(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, 0)

	if guard.TTL() != DefaultTTL {
		t.Fatalf("expected default ttl, got %s", guard.TTL())
	}
	if err := guard.RecordOutcome(ctx, "R2", "IssueRefund", false, []byte(`{"error":"window"}`), time.Minute); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	record, ok, _ := guard.CheckDuplicate(ctx, "R2")
	if !ok || record.Succeeded {
		t.Fatalf("expected failed outcome to be cached, got %+v ok=%v", record, ok)
	}
}

func TestGuard_BeginReservesAtomically(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, time.Hour)

	const workers = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reservation, err := guard.Begin(ctx, "R3", "ServeOrder")
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			if reservation.State == ReservationStateNew {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one reservation winner, got %d", winners.Load())
	}

	if _, ok, _ := guard.CheckDuplicate(ctx, "R3"); ok {
		t.Fatalf("pending reservations are not replayable outcomes")
	}

	if err := guard.RecordOutcome(ctx, "R3", "ServeOrder", true, nil, 0); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	reservation, err := guard.Begin(ctx, "R3", "ServeOrder")
	if err != nil || reservation.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %+v err=%v", reservation, err)
	}
}

func TestGuard_OperationMismatch(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, time.Hour)

	if _, err := guard.Begin(ctx, "R4", "ConfirmOrder"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := guard.Begin(ctx, "R4", "CancelOrder"); !errors.Is(err, ErrOperationMismatch) {
		t.Fatalf("expected ErrOperationMismatch, got %v", err)
	}
}

func TestGuard_AbandonAllowsRetry(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, time.Hour)

	if _, err := guard.Begin(ctx, "R5", "PlaceOrder"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := guard.Abandon(ctx, "R5"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	reservation, err := guard.Begin(ctx, "R5", "PlaceOrder")
	if err != nil || reservation.State != ReservationStateNew {
		t.Fatalf("expected new reservation after abandon, got %+v err=%v", reservation, err)
	}
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	guard, clock, store := newTestGuard(t, time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		if err := guard.RecordOutcome(ctx, id, "op", true, nil, 0); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock.Advance(30 * time.Second)
	if err := guard.RecordOutcome(ctx, "d", "op", true, nil, 0); err != nil {
		t.Fatalf("record: %v", err)
	}

	clock.Advance(45 * time.Second)
	removed, err := guard.CleanupExpired(ctx, 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected batch limit of 2, got %d", removed)
	}
	removed, _ = guard.CleanupExpired(ctx, 0)
	if removed != 1 {
		t.Fatalf("expected remaining expired record to be removed, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the fresh record to remain, got %d", store.Len())
	}
}

func TestMemoryStore_RejectsBlankRequestID(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "  ", "op", fixedTime, time.Minute); !errors.Is(err, ErrEmptyRequestID) {
		t.Fatalf("expected ErrEmptyRequestID, got %v", err)
	}
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	guard, clock, store := newTestGuard(t, time.Minute)
	if err := guard.RecordOutcome(ctx, "old", "op", true, nil, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(2 * time.Minute)

	sweeper := NewSweeper(guard, time.Second, 10, nil)
	if removed := sweeper.SweepOnce(ctx); removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	guard, _, _ := newTestGuard(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- NewSweeper(guard, time.Millisecond, 10, nil).Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
