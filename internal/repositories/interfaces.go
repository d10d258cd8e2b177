package repositories

import (
	"context"

	"github.com/tablesync/orderengine/internal/domain"
)

// OrderRepository persists orders. Update is optimistic: it fails with a conflict RepositoryError unless the
// stored version equals expectedVersion.
type OrderRepository interface {
	NextID(ctx context.Context) (int64, error)
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
}

// OrderListFilter narrows List results. Zero values mean "no constraint".
type OrderListFilter struct {
	CustomerID int64
	States     []domain.OrderState
	Limit      int
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) ([]domain.AuditLogEntry, error)
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	TargetRef string
	Action    string
	Limit     int
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// HealthRepository probes backing services for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
