// Package metrics provides Prometheus metrics collection for the
// deployment factory: the HTTP/error/database series every service in the
// teacher's platform carries, plus the deployment funnel, refund, and
// reconciler series specific to this domain.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hunterfi/factory/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics collectors.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Deployment funnel metrics (C4): one increment per stage transition, so
	// the funnel's drop-off between PendingPayment and Deployed is visible
	// without scanning the record store.
	DeploymentStageTotal    *prometheus.CounterVec
	DeploymentStageDuration *prometheus.HistogramVec
	DeploymentsActive       prometheus.Gauge

	// Refund metrics (C5).
	RefundAttemptsTotal   *prometheus.CounterVec
	RefundsDeadLettered   prometheus.Counter

	// Reconciler metrics (C6).
	ReconcileTimeoutsTotal *prometheus.CounterVec
	ArchivedRecordsTotal   prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		DeploymentStageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployment_stage_transitions_total",
				Help: "Total number of deployment record stage transitions",
			},
			[]string{"strategy_type", "stage"},
		),
		DeploymentStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deployment_stage_duration_seconds",
				Help:    "Wall-clock time spent executing a single deployment stage call",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy_type", "stage"},
		),
		DeploymentsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deployments_active",
				Help: "Current number of deployment records not yet in a terminal status",
			},
		),

		RefundAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refund_attempts_total",
				Help: "Total number of refund credit attempts, by outcome",
			},
			[]string{"outcome"}, // "succeeded" or "failed"
		),
		RefundsDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "refunds_dead_lettered_total",
				Help: "Total number of refunds that exhausted their retry budget",
			},
		),

		ReconcileTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_stage_timeouts_total",
				Help: "Total number of deployment records failed by the reconciler for exceeding a stage timeout",
			},
			[]string{"stage"},
		),
		ArchivedRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archived_deployment_records_total",
				Help: "Total number of terminal deployment records removed by the retention sweep",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.DeploymentStageTotal,
			m.DeploymentStageDuration,
			m.DeploymentsActive,
			m.RefundAttemptsTotal,
			m.RefundsDeadLettered,
			m.ReconcileTimeoutsTotal,
			m.ArchivedRecordsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// RecordDeploymentStage records one deployment record reaching stage, and
// how long the external call that produced the transition took.
func (m *Metrics) RecordDeploymentStage(strategyType, stage string, duration time.Duration) {
	m.DeploymentStageTotal.WithLabelValues(strategyType, stage).Inc()
	m.DeploymentStageDuration.WithLabelValues(strategyType, stage).Observe(duration.Seconds())
}

// SetDeploymentsActive sets the current count of non-terminal deployment
// records.
func (m *Metrics) SetDeploymentsActive(count int) {
	m.DeploymentsActive.Set(float64(count))
}

// RecordRefundAttempt records one refund credit attempt's outcome.
func (m *Metrics) RecordRefundAttempt(succeeded bool) {
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	m.RefundAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRefundDeadLettered records a refund exhausting its retry budget.
func (m *Metrics) RecordRefundDeadLettered() {
	m.RefundsDeadLettered.Inc()
}

// RecordReconcileTimeout records the reconciler failing a record for
// exceeding stage's timeout.
func (m *Metrics) RecordReconcileTimeout(stage string) {
	m.ReconcileTimeoutsTotal.WithLabelValues(stage).Inc()
}

// RecordArchived records n terminal records removed by the retention sweep.
func (m *Metrics) RecordArchived(n int) {
	if n > 0 {
		m.ArchivedRecordsTotal.Add(float64(n))
	}
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
