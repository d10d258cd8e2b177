package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthReport aggregates dependency checks for readiness probes.
type SystemHealthReport struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	Checks      map[string]SystemHealthCheck
	Workload    OrderWorkload
	GeneratedAt time.Time
}

// OrderWorkload summarises the order pipeline at the time a health report was built.
type OrderWorkload struct {
	ActiveOrders   int
	HistoryEntries int
	LastCommandAt  time.Time
}

// SystemHealthCheck captures the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}
