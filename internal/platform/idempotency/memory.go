package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It is the default backend and the one used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements the Store interface.
func (s *MemoryStore) Reserve(_ context.Context, requestID, operation string, now time.Time, ttl time.Duration) (Reservation, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Reservation{}, ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if !ok || record.Expired(now) {
		record = newPendingRecord(requestID, operation, now, ttl)
		s.records[requestID] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	return reservationFor(record, operation)
}

// Complete implements the Store interface.
func (s *MemoryStore) Complete(_ context.Context, requestID, operation string, outcome Outcome, now time.Time, ttl time.Duration) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if ok && record.Operation != "" && record.Operation != operation {
		return ErrOperationMismatch
	}
	if !ok || record.Expired(now) {
		record = Record{RequestID: requestID}
	}
	s.records[requestID] = completeRecord(record, operation, outcome, now, ttl)
	return nil
}

// Lookup implements the Store interface. Expired records are dropped on read.
func (s *MemoryStore) Lookup(_ context.Context, requestID string, now time.Time) (Record, bool, error) {
	requestID = strings.TrimSpace(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[requestID]
	if !ok {
		return Record{}, false, nil
	}
	if record.Expired(now.UTC()) {
		delete(s.records, requestID)
		return Record{}, false, nil
	}
	return record, true, nil
}

// CleanupExpired implements the Store interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if removed >= limit {
			break
		}
		if !record.Expired(now) {
			continue
		}
		delete(s.records, id)
		removed++
	}

	return removed, nil
}

// Release deletes the reservation so that subsequent attempts may retry.
func (s *MemoryStore) Release(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, strings.TrimSpace(requestID))
	return nil
}

// Len returns the number of tracked records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
