package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by command.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_redis_error_rate_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// RedisCommandLatency records Redis command latency by command.
	RedisCommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forum_redis_command_latency_seconds",
		Help:    "Redis command latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// StoreCASRetries counts optimistic transactions retried after a conflicting write.
	StoreCASRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_store_cas_retries_total",
		Help: "Total number of tree store transactions retried after a conflict",
	}, []string{"collection"})

	// StoreOperationLatency records tree store latency by operation and collection.
	StoreOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forum_store_operation_latency_seconds",
		Help:    "Tree store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "collection"})

	// DatabaseQueryLatency records journal query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forum_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// SagaOutcomes counts saga runs by kind and outcome.
	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_saga_outcomes_total",
		Help: "Total number of saga runs by kind and outcome",
	}, []string{"kind", "outcome"})

	// VoteToggles counts committed vote transitions by resulting state.
	VoteToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_vote_toggles_total",
		Help: "Total number of committed vote toggles by resulting state",
	}, []string{"state"})

	// MirrorDrift counts inconsistencies found by the reconciliation sweep.
	MirrorDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_mirror_drift_total",
		Help: "Total number of mirror inconsistencies found by the sweep",
	}, []string{"kind", "repaired"})

	// EventsObserved counts change events seen by this process's subscriber.
	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_events_observed_total",
		Help: "Total number of change events received by type",
	}, []string{"type"})

	// FeedCacheResults counts feed cache lookups by result.
	FeedCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_feed_cache_results_total",
		Help: "Total number of feed cache lookups by result",
	}, []string{"result"})
)

// TrackStore returns a function that records store latency when called (e.g. defer).
func TrackStore(operation, collection string) func() {
	start := time.Now()
	return func() {
		StoreOperationLatency.WithLabelValues(operation, collection).Observe(time.Since(start).Seconds())
	}
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
