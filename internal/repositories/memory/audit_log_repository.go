package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/repositories"
)

// AuditLogRepository is an append-only slice of audit entries with an optional retention cap.
type AuditLogRepository struct {
	mu         sync.RWMutex
	entries    []domain.AuditLogEntry
	maxEntries int
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository keeps at most maxEntries entries, dropping the oldest. Zero keeps everything.
func NewAuditLogRepository(maxEntries int) *AuditLogRepository {
	return &AuditLogRepository{maxEntries: maxEntries}
}

func (r *AuditLogRepository) Append(_ context.Context, entry domain.AuditLogEntry) error {
	entry.Metadata = maps.Clone(entry.Metadata)
	entry.Diff = maps.Clone(entry.Diff)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if r.maxEntries > 0 && len(r.entries) > r.maxEntries {
		r.entries = append([]domain.AuditLogEntry(nil), r.entries[len(r.entries)-r.maxEntries:]...)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *AuditLogRepository) List(_ context.Context, filter repositories.AuditLogFilter) ([]domain.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AuditLogEntry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if filter.TargetRef != "" && entry.TargetRef != filter.TargetRef {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		entry.Metadata = maps.Clone(entry.Metadata)
		entry.Diff = maps.Clone(entry.Diff)
		result = append(result, entry)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}
