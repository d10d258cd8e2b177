package domain

import "time"

// AuditLogEntry is an immutable audit trail record for an order mutation.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Severity  string
	RequestID string
	Metadata  map[string]any
	Diff      map[string]any
	CreatedAt time.Time
}
