package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is the default duration that idempotency records are retained.
	DefaultTTL = 24 * time.Hour
	// StatusPending indicates that a command reserved the request id but has not finished.
	StatusPending Status = "pending"
	// StatusCompleted indicates that the command outcome is stored and can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a request id.
type ReservationState int

const (
	// ReservationStateNew means no live record existed and the caller owns the reservation.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a previous outcome was found and should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another caller is currently processing this request id.
	ReservationStatePending
)

// Reservation encapsulates the result of reserving a request id, including the stored record if available.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted outcome of a command keyed by its request id.
type Record struct {
	RequestID string
	Operation string
	Status    Status
	Succeeded bool
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record can no longer short-circuit a duplicate. A record stays valid up to and
// including ExpiresAt.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Outcome is what a finished command stores for later replay.
type Outcome struct {
	Succeeded bool
	Payload   []byte
}

// Store persists reservations and outcomes. Reserve must be atomic per request id.
type Store interface {
	Reserve(ctx context.Context, requestID, operation string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, requestID, operation string, outcome Outcome, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, requestID string) error
	Lookup(ctx context.Context, requestID string, now time.Time) (Record, bool, error)
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	// ErrOperationMismatch is returned when a request id is reused for a different operation.
	ErrOperationMismatch = errors.New("idempotency: request id reserved for a different operation")
	// ErrEmptyRequestID is returned when a blank request id reaches the store.
	ErrEmptyRequestID = errors.New("idempotency: request id is required")
)

func documentKey(requestID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(requestID)))
	return hex.EncodeToString(sum[:])
}

func newPendingRecord(requestID, operation string, now time.Time, ttl time.Duration) Record {
	return Record{
		RequestID: requestID,
		Operation: operation,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func completeRecord(record Record, operation string, outcome Outcome, now time.Time, ttl time.Duration) Record {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.Operation = operation
	record.Status = StatusCompleted
	record.Succeeded = outcome.Succeeded
	if len(outcome.Payload) > 0 {
		record.Payload = append([]byte(nil), outcome.Payload...)
	} else {
		record.Payload = nil
	}
	record.UpdatedAt = now
	// The window is anchored on the reservation, not on completion.
	record.ExpiresAt = record.CreatedAt.Add(ttl)
	return record
}

func reservationFor(record Record, operation string) (Reservation, error) {
	if record.Operation != "" && operation != "" && record.Operation != operation {
		return Reservation{}, ErrOperationMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
