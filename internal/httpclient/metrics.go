package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request result labels.
const (
	resultSuccess = "success"
	resultTimeout = "timeout"
	resultError   = "error"
)

var (
	// httpRequestsTotal counts dispatched requests by result.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pooledhttp_client_requests_total",
			Help: "Total number of requests dispatched over the managed pool",
		},
		[]string{"method", "result"},
	)

	// httpRequestDuration observes request round-trip time.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pooledhttp_client_request_duration_seconds",
			Help:    "Round-trip time of requests dispatched over the managed pool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "result"},
	)
)

func recordRequest(method, result string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, result).Inc()
	httpRequestDuration.WithLabelValues(method, result).Observe(seconds)
}
