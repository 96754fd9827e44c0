package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Metric options
	Namespace        string    // Prometheus namespace (default: mcp)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// IncludeRuntime registers the Go runtime and process collectors
	IncludeRuntime bool

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// Metrics holds the control plane's Prometheus collectors. Each instance owns
// its registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	batchSize       prometheus.Histogram
	toolDuration    *prometheus.HistogramVec
	errorTotal      *prometheus.CounterVec

	admissionRejected *prometheus.CounterVec
	authFailures      *prometheus.CounterVec

	activeSessions  prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	activeAlerts    prometheus.Gauge
	alertsTotal     *prometheus.CounterVec
	lifecycleState  *prometheus.GaugeVec
	lifecycleEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	m := &Metrics{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	}, labels)
}

func (m *Metrics) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	})
}

func (m *Metrics) initializeMetrics() {
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of JSON-RPC requests in milliseconds",
			Buckets:     m.config.HistogramBuckets,
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"method", "status"},
	)
	m.requestTotal = m.counterVec("request_total", "Total number of JSON-RPC requests", "method", "status")

	m.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "batch_request_size",
		Help:        "Size of JSON-RPC batch requests",
		Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		ConstLabels: m.config.ConstLabels,
	})

	m.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "tool_call_duration_milliseconds",
			Help:        "Duration of tool calls in milliseconds",
			Buckets:     m.config.HistogramBuckets,
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"tool", "status"},
	)

	m.errorTotal = m.counterVec("error_total", "Total number of error responses by code", "code", "type")
	m.admissionRejected = m.counterVec("admission_rejected_total", "Requests rejected by admission control", "reason")
	m.authFailures = m.counterVec("auth_failures_total", "Failed authentication attempts", "method")

	m.activeSessions = m.gauge("active_sessions", "Number of live sessions")
	m.sessionEvents = m.counterVec("session_events_total", "Session lifecycle events", "event")

	m.activeAlerts = m.gauge("active_alerts", "Number of open performance alerts")
	m.alertsTotal = m.counterVec("alerts_total", "Performance alerts opened", "rule", "severity")

	m.lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "lifecycle_state",
			Help:        "Current lifecycle state (1 for the active state)",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"state"},
	)
	m.lifecycleEvents = m.counterVec("lifecycle_events_total", "Lifecycle events such as restarts and failed health checks", "event")
}

func (m *Metrics) registerMetrics() error {
	cs := []prometheus.Collector{
		m.requestDuration,
		m.requestTotal,
		m.batchSize,
		m.toolDuration,
		m.errorTotal,
		m.admissionRejected,
		m.authFailures,
		m.activeSessions,
		m.sessionEvents,
		m.activeAlerts,
		m.alertsTotal,
		m.lifecycleState,
		m.lifecycleEvents,
	}
	if m.config.IncludeRuntime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records a handled request
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
	m.requestTotal.WithLabelValues(method, status).Inc()
}

// RecordBatch records the size of a batch request
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RecordToolCall records a tool invocation
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool, status).Observe(float64(duration.Milliseconds()))
}

// RecordError records an error response
func (m *Metrics) RecordError(code int) {
	if m == nil {
		return
	}
	m.errorTotal.WithLabelValues(strconv.Itoa(code), ErrorType(code)).Inc()
}

// RecordRejection records an admission control rejection
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a failed authentication
func (m *Metrics) RecordAuthFailure(method string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(method).Inc()
}

// SetActiveSessions sets the live session gauge
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordSessionEvent records a session event such as created or removed
func (m *Metrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// RecordAlert records an opened alert
func (m *Metrics) RecordAlert(rule, severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(rule, severity).Inc()
	m.activeAlerts.Inc()
}

// RecordAlertResolved records a resolved alert
func (m *Metrics) RecordAlertResolved() {
	if m == nil {
		return
	}
	m.activeAlerts.Dec()
}

// lifecycleStates are the labels reset on each state change.
var lifecycleStates = []string{"stopped", "starting", "running", "stopping", "restarting", "error"}

// RecordLifecycleState marks state as the current lifecycle state
func (m *Metrics) RecordLifecycleState(state string) {
	if m == nil {
		return
	}
	for _, s := range lifecycleStates {
		m.lifecycleState.WithLabelValues(s).Set(0)
	}
	m.lifecycleState.WithLabelValues(state).Set(1)
}

// RecordLifecycleEvent records a lifecycle event such as restart
func (m *Metrics) RecordLifecycleEvent(event string) {
	if m == nil {
		return
	}
	m.lifecycleEvents.WithLabelValues(event).Inc()
}

// ErrorType categorizes a JSON-RPC error code for metric labels
func ErrorType(code int) string {
	switch {
	case code == -32700:
		return "parse_error"
	case code == -32600:
		return "invalid_request"
	case code == -32601:
		return "method_not_found"
	case code == -32602:
		return "invalid_params"
	case code == -32603:
		return "internal_error"
	case code >= -32099 && code <= -32000:
		return "server_error"
	default:
		return "unknown_error"
	}
}
