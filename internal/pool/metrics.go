package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Acquire result labels.
const (
	acquireResultReuse     = "reuse"
	acquireResultNew       = "new"
	acquireResultExhausted = "exhausted"
	acquireResultDialError = "dial_error"
	acquireResultCanceled  = "canceled"
)

// Eviction reason labels.
const (
	evictReasonIdle            = "idle"
	evictReasonLifetime        = "lifetime"
	evictReasonKeepAliveFailed = "keepalive_failed"
	evictReasonDirty           = "dirty"
	evictReasonCapacity        = "capacity"
	evictReasonShutdown        = "shutdown"
)

var (
	// poolConnectionsOpen tracks currently open connections per pool.
	poolConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pooledhttp_pool_connections_open",
			Help: "Number of currently open connections in the pool",
		},
		[]string{"pool"},
	)

	// poolConnectionsIdle tracks currently idle connections per pool.
	poolConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pooledhttp_pool_connections_idle",
			Help: "Number of currently idle connections in the pool",
		},
		[]string{"pool"},
	)

	// poolAcquireTotal counts acquire attempts by result.
	poolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pooledhttp_pool_acquire_total",
			Help: "Total number of connection acquire attempts",
		},
		[]string{"pool", "result"},
	)

	// poolAcquireWaitSeconds observes time spent acquiring a connection.
	poolAcquireWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pooledhttp_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	// poolEvictionsTotal counts evicted connections by reason.
	poolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pooledhttp_pool_evictions_total",
			Help: "Total number of connections removed from the pool",
		},
		[]string{"pool", "reason"},
	)
)
