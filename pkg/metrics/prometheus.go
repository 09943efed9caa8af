// Package metrics provides Prometheus metrics for the racepulse checkpoint pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes recorded by RecordEventOutcome.
const (
	OutcomeCreated       = "created"
	OutcomeUpdated       = "updated"
	OutcomeDuplicate     = "duplicate"
	OutcomeUnresolved    = "split_unresolved"
	OutcomeInvalid       = "invalid"
	OutcomeMisconfigured = "misconfigured"
)

// Manager manages all Prometheus metrics for the pipeline.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Ingestion
	eventsReceived     *prometheus.CounterVec
	eventOutcomes      *prometheus.CounterVec
	processingLatency  prometheus.Histogram
	ledgerFailOpen     prometheus.Counter
	storyGenerations   *prometheus.CounterVec
	storyLatency       prometheus.Histogram
	fanoutDeliveries   *prometheus.CounterVec
	fanoutLatency      prometheus.Histogram
	occurrencesCreated prometheus.Counter

	// Upstream connection
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	subscriptions     prometheus.Gauge

	// Health
	alerts       *prometheus.CounterVec
	sweepDeleted *prometheus.CounterVec

	// Queue and workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueRejected    *prometheus.CounterVec
	workerCount      prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "racepulse",
		subsystem:        "pipeline",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric definition
	auto := promauto.With(m.registry)

	m.eventsReceived = auto.NewCounterVec(
		m.counterOpts("events_received_total", "Raw checkpoint events received by source"),
		[]string{"source"},
	)
	m.eventOutcomes = auto.NewCounterVec(
		m.counterOpts("event_outcomes_total", "Checkpoint events by processing outcome"),
		[]string{"outcome"},
	)
	m.processingLatency = auto.NewHistogram(
		m.histogramOpts("event_processing_latency_milliseconds", "End-to-end coordinator latency per event"),
	)
	m.ledgerFailOpen = auto.NewCounter(
		m.counterOpts("ledger_fail_open_total", "Events processed without a dedup decision because the ledger was unavailable"),
	)
	m.storyGenerations = auto.NewCounterVec(
		m.counterOpts("story_generations_total", "Story/clip generator invocations by result"),
		[]string{"result"},
	)
	m.storyLatency = auto.NewHistogram(
		m.histogramOpts("story_generation_latency_milliseconds", "Story/clip generator latency"),
	)
	m.fanoutDeliveries = auto.NewCounterVec(
		m.counterOpts("fanout_deliveries_total", "Push deliveries by result (sent, failed, pruned)"),
		[]string{"result"},
	)
	m.fanoutLatency = auto.NewHistogram(
		m.histogramOpts("fanout_latency_milliseconds", "Notification fanout latency per occurrence"),
	)
	m.occurrencesCreated = auto.NewCounter(
		m.counterOpts("occurrences_created_total", "Checkpoint occurrences created"),
	)

	m.connectionState = auto.NewGauge(
		m.gaugeOpts("connection_state", "Upstream connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded)"),
	)
	m.reconnectAttempts = auto.NewCounter(
		m.counterOpts("reconnect_attempts_total", "Upstream reconnection attempts"),
	)
	m.subscriptions = auto.NewGauge(
		m.gaugeOpts("active_subscriptions", "Active race subscriptions"),
	)

	m.alerts = auto.NewCounterVec(
		m.counterOpts("alerts_total", "Alerts raised by severity"),
		[]string{"severity"},
	)
	m.sweepDeleted = auto.NewCounterVec(
		m.counterOpts("sweep_deleted_total", "Records deleted by retention sweeps"),
		[]string{"collection"},
	)

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Current size of the event queue"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Maximum capacity of the event queue"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("queue_utilization_ratio", "Event queue utilization (size / capacity)"))
	m.queueRejected = auto.NewCounterVec(
		m.counterOpts("queue_rejected_total", "Events rejected by the queue"),
		[]string{"reason"},
	)
	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Number of coordinator workers"))

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds"),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorsByComponent = auto.NewCounterVec(
		m.counterOpts("errors_total", "Errors by component and type"),
		[]string{"component", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
}

// RecordEventReceived increments the received counter for source (socket, webhook).
func RecordEventReceived(source string) {
	globalManager.eventsReceived.WithLabelValues(source).Inc()
}

// RecordEventOutcome increments the outcome counter.
func RecordEventOutcome(outcome string) {
	globalManager.eventOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProcessingLatency records coordinator latency in milliseconds.
func RecordProcessingLatency(latencyMs float64) {
	globalManager.processingLatency.Observe(latencyMs)
}

// RecordLedgerFailOpen counts an event processed while the ledger was unreachable.
func RecordLedgerFailOpen() {
	globalManager.ledgerFailOpen.Inc()
}

// RecordOccurrenceCreated increments the occurrences counter.
func RecordOccurrenceCreated() {
	globalManager.occurrencesCreated.Inc()
}

// RecordStoryGeneration records a generator call.
func RecordStoryGeneration(success bool, latencyMs float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	globalManager.storyGenerations.WithLabelValues(result).Inc()
	globalManager.storyLatency.Observe(latencyMs)
}

// RecordFanoutDeliveries adds n deliveries with the given result.
func RecordFanoutDeliveries(result string, n int) {
	if n <= 0 {
		return
	}
	globalManager.fanoutDeliveries.WithLabelValues(result).Add(float64(n))
}

// RecordFanoutLatency records fanout latency in milliseconds.
func RecordFanoutLatency(latencyMs float64) {
	globalManager.fanoutLatency.Observe(latencyMs)
}

// UpdateConnectionState sets the upstream connection state gauge.
func UpdateConnectionState(state int) {
	globalManager.connectionState.Set(float64(state))
}

// RecordReconnectAttempt increments the reconnect counter.
func RecordReconnectAttempt() {
	globalManager.reconnectAttempts.Inc()
}

// UpdateActiveSubscriptions sets the active subscription gauge.
func UpdateActiveSubscriptions(count int) {
	globalManager.subscriptions.Set(float64(count))
}

// RecordAlert increments the alert counter for severity.
func RecordAlert(severity string) {
	globalManager.alerts.WithLabelValues(severity).Inc()
}

// RecordSweepDeleted adds n deleted records for collection.
func RecordSweepDeleted(collection string, n int) {
	if n <= 0 {
		return
	}
	globalManager.sweepDeleted.WithLabelValues(collection).Add(float64(n))
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueRejected counts an event the queue refused.
func RecordQueueRejected(reason string) {
	globalManager.queueRejected.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
