// Package observability exposes spopagent's prometheus metrics and the
// gin middleware that records HTTP-side metrics on the admin surface,
// following internal/observability/metrics.go and middleware.go's
// namespaced-CounterVec/HistogramVec + sync.Once pattern.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spopagent",
			Name:      "frames_total",
			Help:      "Total SPOP frames read or written, by kind.",
		},
		[]string{"kind"},
	)
	NotifyMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spopagent",
			Name:      "notify_messages_total",
			Help:      "Total NOTIFY messages dispatched, by message name.",
		},
		[]string{"message"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spopagent",
			Name:      "handler_duration_seconds",
			Help:      "Handler.Process latency, by message name.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"message"},
	)
	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spopagent",
			Name:      "handler_errors_total",
			Help:      "Recovered handler panics, by message name.",
		},
		[]string{"message"},
	)
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spopagent",
			Name:      "connections_active",
			Help:      "Live SPOP connection tasks.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spopagent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spopagent",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetrics registers every collector exactly once, safe to call
// from multiple call sites (engine hooks, admin router setup, tests).
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FramesTotal,
			NotifyMessagesTotal,
			HandlerDuration,
			HandlerErrorsTotal,
			ConnectionsActive,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordFrame increments the per-kind frame counter.
func RecordFrame(kind string) {
	RegisterMetrics()
	FramesTotal.WithLabelValues(kind).Inc()
}

// RecordMessage increments the per-message NOTIFY counter.
func RecordMessage(name string) {
	RegisterMetrics()
	NotifyMessagesTotal.WithLabelValues(name).Inc()
}

// RecordHandlerDuration observes one handler invocation's latency.
func RecordHandlerDuration(name string, d time.Duration) {
	RegisterMetrics()
	HandlerDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordHandlerError increments the per-message recovered-panic counter.
func RecordHandlerError(name string) {
	RegisterMetrics()
	HandlerErrorsTotal.WithLabelValues(name).Inc()
}

// RecordHTTPRequest records one admin HTTP request's outcome and
// latency.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
