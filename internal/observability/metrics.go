package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	rollbackRequestsTotal  *prometheus.CounterVec
	rollbackLatencySeconds *prometheus.HistogramVec
	chainVerifyFailures    prometheus.Counter
	historyCacheRequests   *prometheus.CounterVec
	activityEventsTotal    *prometheus.CounterVec
	streamClientsActive    prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loka_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loka_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loka_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		rollbackRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loka_rollback_requests_total",
			Help: "Total number of rollback and redo executions by outcome.",
		}, []string{"operation", "result"})

		rollbackLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loka_rollback_latency_seconds",
			Help:    "Latency distribution for rollback engine operations.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"operation"})

		chainVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loka_chain_verify_failures_total",
			Help: "Total number of hash chain verification failures detected.",
		})

		historyCacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loka_history_cache_requests_total",
			Help: "History cache lookups by outcome.",
		}, []string{"outcome"})

		activityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loka_activity_events_total",
			Help: "Activity events fanned out to subscribers by operation.",
		}, []string{"operation"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loka_stream_clients_active",
			Help: "Currently connected activity stream websocket clients.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			rollbackRequestsTotal,
			rollbackLatencySeconds,
			chainVerifyFailures,
			historyCacheRequests,
			activityEventsTotal,
			streamClientsActive,
		)
	})
}

// APIRequests exposes the counter for served requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for served requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RollbackRequests exposes the counter for rollback engine executions.
func RollbackRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return rollbackRequestsTotal
}

// RollbackLatency exposes the latency histogram for rollback engine operations.
func RollbackLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return rollbackLatencySeconds
}

// ChainVerifyFailures exposes the counter for chain integrity failures.
func ChainVerifyFailures() prometheus.Counter {
	RegisterMetrics()
	return chainVerifyFailures
}

// HistoryCacheRequests exposes the counter for history cache outcomes.
func HistoryCacheRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return historyCacheRequests
}

// ActivityEvents exposes the counter for fanned-out activity events.
func ActivityEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return activityEventsTotal
}

// StreamClientsActive exposes the gauge for connected stream clients.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
