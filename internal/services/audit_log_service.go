package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/requestctx"
	"github.com/tablesync/orderengine/internal/repositories"
)

const (
	defaultAuditSeverity = "info"
	defaultActorType     = "unknown"
	defaultHasherPrefix  = "sha256:"
	defaultAuditLimit    = 100
	maxAuditLimit        = 500
)

// AuditLogger defines the logging contract used by the audit writer service. *zap.SugaredLogger satisfies it.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type auditLogService struct {
	repo          repositories.AuditLogRepository
	clock         func() time.Time
	newID         func() string
	logger        AuditLogger
	hashSalt      string
	sensitiveKeys []string
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
	HashSalt    string
	// SensitiveEventKeys lists event metadata keys stored hashed when events are audited.
	SensitiveEventKeys []string
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopAuditLogger{}
	}

	sensitive := deps.SensitiveEventKeys
	if sensitive == nil {
		sensitive = []string{"customer_id"}
	}

	return &auditLogService{
		repo:          deps.Repository,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
		hashSalt:      deps.HashSalt,
		sensitiveKeys: normaliseKeys(sensitive),
	}, nil
}

// Record persists an audit log entry after sanitising sensitive fields. Repository failures are
// logged but do not bubble up to callers to avoid interrupting the primary mutation flow.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.buildEntry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Warnf("audit log append failed: %v", err)
	}
}

// List returns the newest entries first.
func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) ([]domain.AuditLogEntry, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	entries, err := s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef: strings.TrimSpace(filter.TargetRef),
		Action:    strings.TrimSpace(filter.Action),
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log service: list: %w", err)
	}
	return entries, nil
}

// Observe turns an order event into an audit entry. Replayed events are skipped so a replay never duplicates the
// trail.
func (s *auditLogService) Observe(ctx context.Context, event domain.Event) error {
	if event.Replayed {
		return nil
	}

	actor := requestctx.Actor(ctx)
	if value, ok := event.Metadata["actor"].(string); ok && strings.TrimSpace(value) != "" {
		actor = value
	}
	if actor == "" {
		actor = "system"
	}

	metadata := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		if key == "actor" {
			continue
		}
		metadata[key] = value
	}
	metadata["event_id"] = event.ID
	if event.SourceAction != "" {
		metadata["source_action"] = event.SourceAction
	}
	if event.Details != "" {
		metadata["details"] = event.Details
	}

	var diff map[string]AuditLogDiff
	if event.PreviousState != event.State {
		diff = map[string]AuditLogDiff{
			"state": {Before: string(event.PreviousState), After: string(event.State)},
		}
	}

	s.Record(ctx, AuditLogRecord{
		Actor:                 actor,
		Action:                "order." + strings.ToLower(string(event.Type)),
		TargetRef:             orderRef(event.EntityID),
		Severity:              severityForEvent(event.Type),
		RequestID:             event.RequestID,
		OccurredAt:            event.Timestamp,
		Metadata:              metadata,
		SensitiveMetadataKeys: s.sensitiveKeys,
		Diff:                  diff,
	})
	return nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) domain.AuditLogEntry {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	} else {
		occurred = occurred.UTC()
	}

	entry := domain.AuditLogEntry{
		ID:        s.newID(),
		Actor:     sanitizeText(record.Actor, 160),
		ActorType: normalizeActorType(record.ActorType, record.Actor),
		Action:    sanitizeText(record.Action, 120),
		TargetRef: sanitizeText(record.TargetRef, 200),
		Severity:  normalizeSeverity(record.Severity),
		RequestID: sanitizeText(record.RequestID, 128),
		CreatedAt: occurred,
	}

	if meta := s.prepareMetadata(record.Metadata, record.SensitiveMetadataKeys); len(meta) > 0 {
		entry.Metadata = meta
	}
	if diff := s.prepareDiff(record.Diff); len(diff) > 0 {
		entry.Diff = diff
	}
	return entry
}

func (s *auditLogService) prepareMetadata(metadata map[string]any, sensitiveKeys []string) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	sensitiveKeys = normaliseKeys(sensitiveKeys)
	result := make(map[string]any, len(metadata))
	for key, value := range metadata {
		trimmedKey := sanitizeText(key, 80)
		if trimmedKey == "" {
			continue
		}
		if containsKey(sensitiveKeys, trimmedKey) {
			result[trimmedKey] = defaultHasherPrefix + s.hashAny(value)
			continue
		}
		result[trimmedKey] = sanitizeValue(value)
	}
	return result
}

func (s *auditLogService) prepareDiff(diff map[string]AuditLogDiff) map[string]any {
	if len(diff) == 0 {
		return nil
	}
	result := make(map[string]any, len(diff))
	for key, change := range diff {
		trimmedKey := sanitizeText(key, 80)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = map[string]any{
			"before": sanitizeValue(change.Before),
			"after":  sanitizeValue(change.After),
		}
	}
	return result
}

func (s *auditLogService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.hashSalt + strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

func (s *auditLogService) hashAny(value any) string {
	switch v := value.(type) {
	case string:
		return s.hashString(v)
	case fmt.Stringer:
		return s.hashString(v.String())
	default:
		if b, err := json.Marshal(v); err == nil {
			return s.hashString(string(b))
		}
		return s.hashString(fmt.Sprintf("%T", value))
	}
}

type noopAuditLogger struct{}

func (noopAuditLogger) Warnf(string, ...any) {}

func orderRef(orderID int64) string {
	return "orders/" + strconv.FormatInt(orderID, 10)
}

func severityForEvent(eventType domain.EventType) string {
	switch eventType {
	case domain.EventOrderCancelled, domain.EventOrderRefunded, domain.EventRefundIssued:
		return "warn"
	default:
		return defaultAuditSeverity
	}
}

func normalizeActorType(actorType string, actor string) string {
	normalized := strings.ToLower(strings.TrimSpace(actorType))
	switch normalized {
	case "customer", "staff", "system", "service":
		return normalized
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	switch {
	case strings.HasPrefix(actor, "customer:"), strings.HasPrefix(actor, "/customers/"):
		return "customer"
	case strings.HasPrefix(actor, "staff:"), strings.HasPrefix(actor, "kiosk-"):
		return "staff"
	case actor == "system" || strings.HasPrefix(actor, "system:"):
		return "system"
	default:
		return defaultActorType
	}
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return defaultAuditSeverity
	}
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeText(v, 512)
	case fmt.Stringer:
		return sanitizeText(v.String(), 512)
	default:
		return v
	}
}

func normaliseKeys(keys []string) []string {
	if len(keys) == 0 {
		return keys
	}
	unique := make(map[string]struct{}, len(keys))
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		lower := strings.ToLower(sanitizeText(key, 80))
		if lower == "" {
			continue
		}
		if _, exists := unique[lower]; exists {
			continue
		}
		unique[lower] = struct{}{}
		result = append(result, lower)
	}
	return result
}

func containsKey(keys []string, candidate string) bool {
	candidate = strings.ToLower(candidate)
	for _, key := range keys {
		if key == candidate {
			return true
		}
	}
	return false
}

func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
