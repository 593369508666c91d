package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for mcpforge.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	SessionsActive       prometheus.Gauge
	SessionCreatesTotal  *prometheus.CounterVec
	SessionBuildDuration *prometheus.HistogramVec
	SessionExitsTotal    *prometheus.CounterVec

	// Tool call metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Build step metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxesSweptTotal      prometheus.Counter

	// Saved definition metrics.
	SavedOperationsTotal *prometheus.CounterVec

	// Failure-rate threshold crossings.
	AnomaliesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpforge",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live child servers.",
		}),

		SessionCreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "session",
			Name:      "creates_total",
			Help:      "Total server creation attempts.",
		}, []string{"language", "status"}),

		SessionBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpforge",
			Subsystem: "session",
			Name:      "create_duration_seconds",
			Help:      "Time from create request to connected session.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"language"}),

		SessionExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "session",
			Name:      "exits_total",
			Help:      "Child servers that exited without an explicit delete.",
		}, []string{"language"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls dispatched to child servers.",
		}, []string{"status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpforge",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds, including schema lookup.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total build commands executed.",
		}, []string{"step", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpforge",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Build command duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),

		SandboxesSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "sandbox",
			Name:      "swept_total",
			Help:      "Orphaned sandbox directories removed.",
		}),

		SavedOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "saved",
			Name:      "operations_total",
			Help:      "Saved definition operations.",
		}, []string{"op", "status"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Times an operation's failure rate crossed the threshold.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpforge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpforge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpforge",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsActive,
		m.SessionCreatesTotal,
		m.SessionBuildDuration,
		m.SessionExitsTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxesSweptTotal,
		m.SavedOperationsTotal,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordCreate records one create attempt.
func (m *MetricsCollector) RecordCreate(language, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionCreatesTotal.WithLabelValues(language, status).Inc()
	if status == "success" {
		m.SessionBuildDuration.WithLabelValues(language).Observe(d.Seconds())
	}
}

// RecordToolCall records one tool call outcome.
func (m *MetricsCollector) RecordToolCall(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(status).Inc()
	m.ToolCallDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordExit records a child that went away on its own.
func (m *MetricsCollector) RecordExit(language string) {
	if m == nil {
		return
	}
	m.SessionExitsTotal.WithLabelValues(language).Inc()
}

// SetActive sets the live session gauge.
func (m *MetricsCollector) SetActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordSaved records a saved-definition operation.
func (m *MetricsCollector) RecordSaved(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SavedOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordSwept adds n removed sandboxes.
func (m *MetricsCollector) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SandboxesSweptTotal.Add(float64(n))
}

// RecordAnomaly counts a threshold crossing for operation.
func (m *MetricsCollector) RecordAnomaly(operation string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(operation).Inc()
}
