// Package monitoring provides Prometheus metrics for the FLEETCORE
// pipeline stages.
//
// Usage:
//
//  1. Mount the metrics endpoint on the stage's router:
//     monitoring.SetupPrometheusMetrics(router)
//
//  2. Record pipeline activity from stage code:
//     monitoring.RecordEventProcessed("detector", "ok")
//     monitoring.RecordStageDuration("enricher", time.Since(start))
//     monitoring.RecordDLQEvent("dlq.detector")
//
// Available metrics:
//   - fleetcore_events_processed_total{stage, result}
//   - fleetcore_stage_duration_seconds{stage}
//   - fleetcore_detector_drops_total{reason}
//   - fleetcore_correlator_duplicates_suppressed_total
//   - fleetcore_correlator_windows_expired_total
//   - fleetcore_queue_overflow_drops_total{component}
//   - fleetcore_dlq_events_total{subject}
//   - fleetcore_publish_retries_total{subject}
//   - fleetcore_cache_operations_total{operation, result}
//   - fleetcore_db_operations_total{operation, table, status}
//   - fleetcore_db_operation_duration_seconds{operation, table}
//   - fleetcore_llm_calls_total{result}
//   - fleetcore_llm_call_duration_seconds
//   - fleetcore_vector_operations_total{operation, status}
//   - fleetcore_http_requests_total{method, endpoint, status_code}
//   - fleetcore_http_request_duration_seconds{method, endpoint}
//   - fleetcore_build_info{version, component, go_version}
package monitoring

import (
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_events_processed_total",
			Help: "Total number of events processed per pipeline stage",
		},
		[]string{"stage", "result"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_stage_duration_seconds",
			Help:    "Per-event processing duration per pipeline stage",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)

	detectorDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_detector_drops_total",
			Help: "Log records dropped by the detector",
		},
		[]string{"reason"},
	)

	duplicatesSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetcore_correlator_duplicates_suppressed_total",
			Help: "Incident formations suppressed by the dedup cache",
		},
	)

	windowsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetcore_correlator_windows_expired_total",
			Help: "Correlation windows expired below threshold",
		},
	)

	queueOverflowDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_queue_overflow_drops_total",
			Help: "Events evicted from a full worker queue (drop-oldest)",
		},
		[]string{"component"},
	)

	dlqEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_dlq_events_total",
			Help: "Events routed to a dead-letter subject",
		},
		[]string{"subject"},
	)

	publishRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_publish_retries_total",
			Help: "Bus publish retry attempts",
		},
		[]string{"subject"},
	)

	cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_cache_operations_total",
			Help: "Dedup/LLM cache operations",
		},
		[]string{"operation", "result"},
	)

	dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_db_operations_total",
			Help: "Columnar store operations",
		},
		[]string{"operation", "table", "status"},
	)

	dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_db_operation_duration_seconds",
			Help:    "Columnar store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_llm_calls_total",
			Help: "LLM runtime calls",
		},
		[]string{"result"},
	)

	llmCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcore_llm_call_duration_seconds",
			Help:    "LLM runtime call duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	vectorOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_vector_operations_total",
			Help: "Vector store operations",
		},
		[]string{"operation", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetcore_build_info",
			Help: "Build information",
		},
		[]string{"version", "component", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		eventsProcessedTotal,
		stageDuration,
		detectorDropsTotal,
		duplicatesSuppressedTotal,
		windowsExpiredTotal,
		queueOverflowDropsTotal,
		dlqEventsTotal,
		publishRetriesTotal,
		cacheOperationsTotal,
		dbOperationsTotal,
		dbOperationDuration,
		llmCallsTotal,
		llmCallDuration,
		vectorOperationsTotal,
		httpRequestsTotal,
		httpRequestDuration,
		buildInfo,
	)
}

// SetupPrometheusMetrics mounts the /metrics endpoint on the router.
func SetupPrometheusMetrics(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// SetBuildInfo publishes the component's build information gauge.
func SetBuildInfo(version, component string) {
	buildInfo.WithLabelValues(version, component, runtime.Version()).Set(1)
}

// RecordEventProcessed counts one processed event; result is "ok",
// "dropped", "dlq", "suppressed" or "error".
func RecordEventProcessed(stage, result string) {
	eventsProcessedTotal.WithLabelValues(stage, result).Inc()
}

// RecordStageDuration observes per-event processing time for a stage.
func RecordStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDetectorDrop counts a dropped log record.
func RecordDetectorDrop(reason string) {
	detectorDropsTotal.WithLabelValues(reason).Inc()
}

// RecordDuplicateSuppressed counts a dedup suppression in the correlator.
func RecordDuplicateSuppressed() {
	duplicatesSuppressedTotal.Inc()
}

// RecordWindowExpired counts a below-threshold window expiry.
func RecordWindowExpired() {
	windowsExpiredTotal.Inc()
}

// RecordQueueOverflow counts a drop-oldest eviction for a component.
func RecordQueueOverflow(component string) {
	queueOverflowDropsTotal.WithLabelValues(component).Inc()
}

// RecordDLQEvent counts an event routed to a dead-letter subject.
func RecordDLQEvent(subject string) {
	dlqEventsTotal.WithLabelValues(subject).Inc()
}

// RecordPublishRetry counts one publish retry attempt.
func RecordPublishRetry(subject string) {
	publishRetriesTotal.WithLabelValues(subject).Inc()
}

// RecordCacheOperation counts a cache operation; result is "hit", "miss",
// "success" or "error".
func RecordCacheOperation(operation, result string) {
	cacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordDBOperation counts a columnar store operation with its duration.
func RecordDBOperation(operation, table string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
	dbOperationDuration.WithLabelValues(operation, table).Observe(d.Seconds())
}

// RecordLLMCall counts an LLM runtime call; result is "success",
// "timeout", "error" or "breaker_open".
func RecordLLMCall(result string, d time.Duration) {
	llmCallsTotal.WithLabelValues(result).Inc()
	llmCallDuration.Observe(d.Seconds())
}

// RecordVectorOperation counts a vector store operation.
func RecordVectorOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	vectorOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest counts one HTTP request on the incident API.
func RecordHTTPRequest(method, endpoint, statusCode string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
