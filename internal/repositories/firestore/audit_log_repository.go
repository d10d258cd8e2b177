// Package firestore stores audit trail entries in Firestore so they survive restarts and can be shared between
// engine replicas.
package firestore

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/tablesync/orderengine/internal/domain"
	pfirestore "github.com/tablesync/orderengine/internal/platform/firestore"
	"github.com/tablesync/orderengine/internal/repositories"
)

const auditLogsCollection = "orderAuditLogs"

// AuditLogRepository appends audit entries to the orderAuditLogs collection.
type AuditLogRepository struct {
	docs *pfirestore.Collection[auditLogDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository: firestore provider is required")
	}
	decoder := func(snap *firestore.DocumentSnapshot) (auditLogDocument, error) {
		var doc auditLogDocument
		if err := snap.DataTo(&doc); err != nil {
			return auditLogDocument{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		return doc, nil
	}
	return &AuditLogRepository{
		docs: pfirestore.NewCollection[auditLogDocument](provider, auditLogsCollection, decoder),
	}, nil
}

// Append stores entry under its id. Entries are never updated.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.docs == nil {
		return errors.New("audit log repository not initialised")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return errors.New("audit log repository: id is required")
	}
	return r.docs.Create(ctx, id, encodeAuditLogDocument(entry))
}

// List returns matching entries, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) ([]domain.AuditLogEntry, error) {
	if r == nil || r.docs == nil {
		return nil, errors.New("audit log repository not initialised")
	}
	docs, err := r.docs.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.TargetRef != "" {
			q = q.Where("targetRef", "==", filter.TargetRef)
		}
		if filter.Action != "" {
			q = q.Where("action", "==", filter.Action)
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodeAuditLogDocument(doc))
	}
	return entries, nil
}

type auditLogDocument struct {
	ID        string         `firestore:"-"`
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Severity  string         `firestore:"severity"`
	RequestID string         `firestore:"requestId,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func encodeAuditLogDocument(entry domain.AuditLogEntry) auditLogDocument {
	return auditLogDocument{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		Metadata:  maps.Clone(entry.Metadata),
		Diff:      maps.Clone(entry.Diff),
		CreatedAt: entry.CreatedAt.UTC(),
	}
}

func decodeAuditLogDocument(doc auditLogDocument) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        doc.ID,
		Actor:     doc.Actor,
		ActorType: doc.ActorType,
		Action:    doc.Action,
		TargetRef: doc.TargetRef,
		Severity:  doc.Severity,
		RequestID: doc.RequestID,
		Metadata:  doc.Metadata,
		Diff:      doc.Diff,
		CreatedAt: doc.CreatedAt,
	}
}
