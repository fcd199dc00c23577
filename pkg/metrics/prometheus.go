// Package metrics provides Prometheus metrics for the merit achievement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the merit service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	registry         prometheus.Registerer

	// Processing Metrics - per-event pipeline outcomes
	eventsProcessed   prometheus.Counter
	eventsFailed      prometheus.Counter
	eventsSkipped     prometheus.Counter
	processingLatency prometheus.Histogram

	// Achievement Metrics
	achievementsEarned prometheus.Counter
	progressUpdates    prometheus.Counter
	evaluationErrors   prometheus.Counter

	// Circuit Breaker Metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerShortCircuits *prometheus.CounterVec

	// Retry Metrics
	retryAttempts    prometheus.Counter
	retryExhaustions prometheus.Counter

	// Saga Metrics
	sagaExecutions    *prometheus.CounterVec
	sagaCompensations prometheus.Counter
	sagaDuration      prometheus.Histogram

	// Fraud Metrics
	fraudAlerts    *prometheus.CounterVec
	highRiskUsers  prometheus.Counter
	riskScore      prometheus.Histogram
	activeProfiles prometheus.Gauge

	// Event Bus Metrics
	busPublished *prometheus.CounterVec
	busDropped   *prometheus.CounterVec

	// Cache Metrics
	cacheInvalidations prometheus.Counter
	cacheErrors        prometheus.Counter

	// Storage Metrics
	storageLatency *prometheus.HistogramVec
	storageErrors  prometheus.Counter

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "merit",
		subsystem:        "achievements",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}

	// Apply all options
	for _, opt := range opts {
		opt(m)
	}

	// Initialize metrics
	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	// Ensure metrics are registered on the configured registry (custom by default)
	auto := promauto.With(m.registry)

	// Processing Metrics
	m.eventsProcessed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_processed_total",
		Help:      "Total number of activity events successfully processed",
	})

	m.eventsFailed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_failed_total",
		Help:      "Total number of activity events whose processing failed",
	})

	m.eventsSkipped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_skipped_total",
		Help:      "Total number of events skipped because they were already processed",
	})

	m.processingLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "processing_latency_milliseconds",
		Help:      "Histogram of per-event processing latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Achievement Metrics
	m.achievementsEarned = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "achievements_earned_total",
		Help:      "Total number of achievements newly earned",
	})

	m.progressUpdates = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "progress_updates_total",
		Help:      "Total number of achievement progress rows upserted",
	})

	m.evaluationErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "evaluation_errors_total",
		Help:      "Total number of single-rule evaluation failures (logged and skipped)",
	})

	// Circuit Breaker Metrics
	m.breakerState = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	m.breakerTransitions = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	m.breakerShortCircuits = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "breaker_short_circuits_total",
			Help:      "Total number of calls rejected while the breaker was open",
		},
		[]string{"name"},
	)

	// Retry Metrics
	m.retryAttempts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "retry_attempts_total",
		Help:      "Total number of retry attempts across all policies",
	})

	m.retryExhaustions = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "retry_exhaustions_total",
		Help:      "Total number of operations that failed after exhausting retries",
	})

	// Saga Metrics
	m.sagaExecutions = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "saga_executions_total",
			Help:      "Total number of saga executions by result",
		},
		[]string{"result"},
	)

	m.sagaCompensations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "saga_compensations_total",
		Help:      "Total number of saga steps compensated",
	})

	m.sagaDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "saga_duration_milliseconds",
		Help:      "Histogram of saga wall-clock duration in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Fraud Metrics
	m.fraudAlerts = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "fraud_alerts_total",
			Help:      "Total number of anomaly alerts by type and severity",
		},
		[]string{"type", "severity"},
	)

	m.highRiskUsers = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "high_risk_users_total",
		Help:      "Total number of users crossing the high-risk threshold",
	})

	m.riskScore = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores (0-100)",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	m.activeProfiles = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "active_profiles",
		Help:      "Current number of tracked user activity profiles",
	})

	// Event Bus Metrics
	m.busPublished = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_published_total",
			Help:      "Total number of domain events published by topic",
		},
		[]string{"topic"},
	)

	m.busDropped = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_dropped_total",
			Help:      "Total number of domain events dropped due to full subscriber buffers",
		},
		[]string{"topic"},
	)

	// Cache Metrics
	m.cacheInvalidations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_invalidations_total",
		Help:      "Total number of cache keys expired by the invalidation listener",
	})

	m.cacheErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_errors_total",
		Help:      "Total number of cache operation failures",
	})

	// Storage Metrics
	m.storageLatency = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "storage_latency_milliseconds",
			Help:      "Storage operation latency in milliseconds by operation",
			Buckets:   m.histogramBuckets,
		},
		[]string{"op"},
	)

	m.storageErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "storage_errors_total",
		Help:      "Total number of storage operation failures",
	})

	// System Performance Metrics
	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_memory_usage_bytes",
		Help:      "Current memory usage in bytes",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_goroutine_count",
		Help:      "Current number of goroutines",
	})
}

// Processing metric helpers.

// RecordEventProcessed increments the processed events counter.
func RecordEventProcessed() {
	globalManager.eventsProcessed.Inc()
}

// RecordEventFailed increments the failed events counter.
func RecordEventFailed() {
	globalManager.eventsFailed.Inc()
}

// RecordEventSkipped increments the skipped events counter.
func RecordEventSkipped() {
	globalManager.eventsSkipped.Inc()
}

// RecordProcessingLatency records per-event processing latency.
func RecordProcessingLatency(latencyMs float64) {
	globalManager.processingLatency.Observe(latencyMs)
}

// Achievement metric helpers.

// RecordAchievementEarned increments the earned achievements counter.
func RecordAchievementEarned() {
	globalManager.achievementsEarned.Inc()
}

// RecordProgressUpdate increments the progress update counter.
func RecordProgressUpdate() {
	globalManager.progressUpdates.Inc()
}

// RecordEvaluationError increments the evaluation error counter.
func RecordEvaluationError() {
	globalManager.evaluationErrors.Inc()
}

// Circuit breaker metric helpers.

// UpdateBreakerState sets the current state gauge for a named breaker.
func UpdateBreakerState(name string, state int) {
	globalManager.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition counts a state transition for a named breaker.
func RecordBreakerTransition(name, to string) {
	globalManager.breakerTransitions.WithLabelValues(name, to).Inc()
}

// RecordBreakerShortCircuit counts a rejected call on an open breaker.
func RecordBreakerShortCircuit(name string) {
	globalManager.breakerShortCircuits.WithLabelValues(name).Inc()
}

// Retry metric helpers.

// RecordRetryAttempt increments the retry attempt counter.
func RecordRetryAttempt() {
	globalManager.retryAttempts.Inc()
}

// RecordRetryExhausted increments the retry exhaustion counter.
func RecordRetryExhausted() {
	globalManager.retryExhaustions.Inc()
}

// Saga metric helpers.

// RecordSagaExecution counts a saga run by result ("success" or "failure").
func RecordSagaExecution(result string) {
	globalManager.sagaExecutions.WithLabelValues(result).Inc()
}

// RecordSagaCompensation increments the compensated step counter.
func RecordSagaCompensation() {
	globalManager.sagaCompensations.Inc()
}

// RecordSagaDuration records saga wall-clock duration.
func RecordSagaDuration(durationMs float64) {
	globalManager.sagaDuration.Observe(durationMs)
}

// Fraud metric helpers.

// RecordFraudAlert counts an anomaly alert by type and severity.
func RecordFraudAlert(alertType, severity string) {
	globalManager.fraudAlerts.WithLabelValues(alertType, severity).Inc()
}

// RecordHighRiskUser increments the high-risk user counter.
func RecordHighRiskUser() {
	globalManager.highRiskUsers.Inc()
}

// RecordRiskScore records a computed risk score.
func RecordRiskScore(score float64) {
	globalManager.riskScore.Observe(score)
}

// UpdateActiveProfiles sets the tracked profile count gauge.
func UpdateActiveProfiles(count int) {
	globalManager.activeProfiles.Set(float64(count))
}

// Event bus metric helpers.

// RecordBusPublished counts a published domain event by topic.
func RecordBusPublished(topic string) {
	globalManager.busPublished.WithLabelValues(topic).Inc()
}

// RecordBusDropped counts a dropped domain event by topic.
func RecordBusDropped(topic string) {
	globalManager.busDropped.WithLabelValues(topic).Inc()
}

// Cache metric helpers.

// RecordCacheInvalidation increments the cache invalidation counter.
func RecordCacheInvalidation() {
	globalManager.cacheInvalidations.Inc()
}

// RecordCacheError increments the cache error counter.
func RecordCacheError() {
	globalManager.cacheErrors.Inc()
}

// Storage metric helpers.

// RecordStorageLatency records storage operation latency by operation name.
func RecordStorageLatency(op string, latencyMs float64) {
	globalManager.storageLatency.WithLabelValues(op).Observe(latencyMs)
}

// RecordStorageError increments the storage error counter.
func RecordStorageError() {
	globalManager.storageErrors.Inc()
}

// System metric helpers.

// UpdateSystemMemoryUsage sets the memory usage gauge.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count gauge.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry for HTTP exposition.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
