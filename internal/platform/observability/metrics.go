package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "orderengine"

// Metrics owns the Prometheus collectors exported on /metrics. Each instance has its own registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	commands     *prometheus.CounterVec
	events       *prometheus.CounterVec
	refunds      prometheus.Histogram
	activeOrders prometheus.Gauge
}

// NewMetrics registers the collectors plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Order commands by command name and outcome.",
		}, []string{"command", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Order events delivered to the analytics observer.",
		}, []string{"type", "replayed"}),
		refunds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "refund_amount",
			Help:      "Refunded amounts.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_orders",
			Help:      "Orders placed and not yet served, cancelled or refunded.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpLatency,
		m.commands,
		m.events,
		m.refunds,
		m.activeOrders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCommand counts a finished command.
func (m *Metrics) ObserveCommand(command, outcome string) {
	m.commands.WithLabelValues(command, outcome).Inc()
}

// ObserveEvent counts an emitted event.
func (m *Metrics) ObserveEvent(eventType string, replayed bool) {
	m.events.WithLabelValues(eventType, strconv.FormatBool(replayed)).Inc()
}

// ObserveRefund records a refunded amount.
func (m *Metrics) ObserveRefund(amount float64) {
	m.refunds.Observe(amount)
}

// AddActiveOrders moves the active order gauge by delta.
func (m *Metrics) AddActiveOrders(delta float64) {
	m.activeOrders.Add(delta)
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := newResponseRecorder(w)
			start := time.Now()

			next.ServeHTTP(recorder, r)

			route := SanitizeRoute(routePattern(r))
			m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(recorder.Status())).Inc()
			m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
