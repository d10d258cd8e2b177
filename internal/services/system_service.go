package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/repositories"
)

// ordersCheckName is the readiness check that reports the order pipeline backlog.
const ordersCheckName = "orders"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Orders and Engine feed the workload section. Either may be nil.
	Orders OrderQueryService
	Engine OrderEngine
	// ActiveOrderLimit degrades readiness once reached. Zero disables the limit.
	ActiveOrderLimit int
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo  repositories.HealthRepository
	orders      OrderQueryService
	engine      OrderEngine
	activeLimit int
	clock       func() time.Time
	build       BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service backing the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	if deps.ActiveOrderLimit < 0 {
		return nil, errors.New("system service: active order limit must not be negative")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo:  deps.HealthRepository,
		orders:      deps.Orders,
		engine:      deps.Engine,
		activeLimit: deps.ActiveOrderLimit,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

// HealthReport merges dependency checks with the order workload. A failing workload probe degrades the report
// but never turns it into an error response.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = domain.HealthStatusOK
	}

	if s.engine != nil {
		history := s.engine.History()
		report.Workload.HistoryEntries = len(history)
		if len(history) > 0 {
			report.Workload.LastCommandAt = history[len(history)-1].ExecutedAt
		}
	}
	if s.orders != nil {
		check := s.ordersCheck(ctx, &report.Workload, now)
		report.Checks[ordersCheckName] = check
		if check.Status != domain.HealthStatusOK && report.Status == domain.HealthStatusOK {
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (s *systemService) ordersCheck(ctx context.Context, workload *domain.OrderWorkload, now time.Time) domain.SystemHealthCheck {
	started := s.clock()
	active, err := s.orders.ActiveOrders(ctx, maxOrderListLimit)
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Latency:   s.clock().Sub(started),
		CheckedAt: now,
	}
	if err != nil {
		check.Status = domain.HealthStatusDegraded
		check.Error = err.Error()
		return check
	}

	workload.ActiveOrders = len(active)
	check.Detail = fmt.Sprintf("%d active orders", len(active))
	if len(active) >= maxOrderListLimit {
		check.Detail = fmt.Sprintf("at least %d active orders", len(active))
	}
	if s.activeLimit > 0 && len(active) >= s.activeLimit {
		check.Status = domain.HealthStatusDegraded
		check.Detail = fmt.Sprintf("%d active orders reached the limit of %d", len(active), s.activeLimit)
	}
	return check
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
