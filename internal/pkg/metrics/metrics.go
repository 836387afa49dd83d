package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payments"

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Payment lifecycle
	InitiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initiations_total",
			Help:      "STK push initiations by outcome",
		},
		[]string{"outcome"}, // sent|existing|rejected|error|throttled
	)
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Callbacks applied, ignored or rejected",
		},
		[]string{"action"},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Status transitions out of PENDING",
		},
		[]string{"status", "source"}, // source: callback|reconcile|initiation
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of provider calls.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"operation"},
	)
	SideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_side_effect_failures_total",
			Help:      "Post-settlement side effects that failed",
		},
		[]string{"effect"},
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Current callback worker queue depth",
		},
	)
	WorkerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_rejected_total",
			Help:      "Jobs dropped because the queue was full",
		},
	)

	initOnce sync.Once
)

var Handler = promhttp.Handler

// Init registers every collector with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestLatency,
			InitiationsTotal,
			CallbacksTotal,
			TransitionsTotal,
			ProviderLatency,
			SideEffectFailures,
			WorkerQueueDepth,
			WorkerRejected,
		)
	})
}
