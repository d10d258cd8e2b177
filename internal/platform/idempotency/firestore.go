package idempotency

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "order_command_requests"
	defaultMaxAttempts = 5
	defaultSweepLimit  = 100
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding request records.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements Store backed by Google Cloud Firestore. Reservations run inside a transaction so
// concurrent retries of one request id serialise on the document.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed idempotency store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Reserve implements the Store interface.
func (s *FirestoreStore) Reserve(ctx context.Context, requestID, operation string, now time.Time, ttl time.Duration) (Reservation, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Reservation{}, ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	ref := s.doc(requestID)

	var result Reservation
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc firestoreRecord
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			record := doc.toRecord()
			if !record.Expired(now) {
				reservation, err := reservationFor(record, operation)
				result = reservation
				return err
			}
		}

		record := newPendingRecord(requestID, operation, now, ttl)
		if err := tx.Set(ref, fromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))

	return result, err
}

// Complete implements the Store interface.
func (s *FirestoreStore) Complete(ctx context.Context, requestID, operation string, outcome Outcome, now time.Time, ttl time.Duration) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrEmptyRequestID
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	ref := s.doc(requestID)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := Record{RequestID: requestID}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc firestoreRecord
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			existing := doc.toRecord()
			if existing.Operation != "" && existing.Operation != operation {
				return ErrOperationMismatch
			}
			if !existing.Expired(now) {
				record = existing
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		return tx.Set(ref, fromRecord(completeRecord(record, operation, outcome, now, ttl)))
	}, firestore.MaxAttempts(s.maxAttempts))
}

// Lookup implements the Store interface.
func (s *FirestoreStore) Lookup(ctx context.Context, requestID string, now time.Time) (Record, bool, error) {
	snap, err := s.doc(requestID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, false, err
	}
	record := doc.toRecord()
	if record.Expired(now.UTC()) {
		return Record{}, false, nil
	}
	return record, true, nil
}

// CleanupExpired removes expired records up to the provided limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = defaultSweepLimit
	}

	docs, err := s.client.Collection(s.collection).Where("expires_at", "<", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bulk := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bulk.Delete(doc.Ref)
		if err != nil {
			bulk.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bulk.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Release removes the reservation to allow callers to retry.
func (s *FirestoreStore) Release(ctx context.Context, requestID string) error {
	_, err := s.doc(requestID).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *FirestoreStore) doc(requestID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentKey(requestID))
}

type firestoreRecord struct {
	RequestID string    `firestore:"request_id"`
	Operation string    `firestore:"operation"`
	Status    string    `firestore:"status"`
	Succeeded bool      `firestore:"succeeded"`
	Payload   []byte    `firestore:"payload"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func fromRecord(record Record) firestoreRecord {
	return firestoreRecord{
		RequestID: record.RequestID,
		Operation: record.Operation,
		Status:    string(record.Status),
		Succeeded: record.Succeeded,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		ExpiresAt: record.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		RequestID: r.RequestID,
		Operation: r.Operation,
		Status:    Status(r.Status),
		Succeeded: r.Succeeded,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
