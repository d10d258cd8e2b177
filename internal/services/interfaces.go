package services

import (
	"context"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/events"
)

// OrderEngine executes order commands and owns the command history.
type OrderEngine interface {
	Execute(ctx context.Context, cmd Command, opts ExecuteOptions) (CommandResult, error)
	History() []HistoryEntry
	Replay(ctx context.Context) (int, error)
	Undo(ctx context.Context, opts ExecuteOptions) (CommandResult, error)
	Subscribe(name string, observer events.Observer) events.Subscription
	Unsubscribe(subscription events.Subscription) bool
}

// OrderQueryService exposes the read side of the order lifecycle.
type OrderQueryService interface {
	GetOrder(ctx context.Context, orderID int64) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
	ActiveOrders(ctx context.Context, limit int) ([]domain.Order, error)
	AllowedActions(ctx context.Context, orderID int64) (OrderActions, error)
}

// AuditLogService records an immutable trail of order mutations.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) ([]domain.AuditLogEntry, error)
	Observe(ctx context.Context, event domain.Event) error
}

// SystemService reports process health to the readiness endpoint.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ExecuteOptions carries per-call metadata for a command.
type ExecuteOptions struct {
	// RequestID is the caller supplied idempotency key. Blank disables duplicate detection.
	RequestID string
	Actor     string
}

// CommandResult describes a finished command. Replayed is set when the result was served from the idempotency
// record instead of running the command again.
type CommandResult struct {
	Command      Command
	Order        domain.Order
	Events       []domain.Event
	RefundAmount float64
	Replayed     bool
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	CustomerID int64
	States     []domain.OrderState
	ActiveOnly bool
	Limit      int
}

// OrderActions lists what can legally happen next to an order.
type OrderActions struct {
	OrderID     int64
	State       domain.OrderState
	Transitions []domain.OrderState
	Commands    []string
}

// AuditLogRecord captures an auditable mutation before sanitisation.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	SensitiveMetadataKeys []string
	Diff                  map[string]AuditLogDiff
}

// AuditLogDiff holds the before and after value of a changed field.
type AuditLogDiff struct {
	Before any
	After  any
}

// AuditLogFilter narrows audit listings.
type AuditLogFilter struct {
	TargetRef string
	Action    string
	Limit     int
}

// SystemHealthReport aliases the domain health report for handler convenience.
type SystemHealthReport = domain.SystemHealthReport
