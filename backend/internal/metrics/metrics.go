package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_cache_hits_total",
		Help: "Cache hits by tier (l1, l2)",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcsync_cache_misses_total",
		Help: "Lookups that missed every tier",
	})

	CacheL2Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_cache_l2_errors_total",
		Help: "Distributed cache operation failures",
	}, []string{"op"})

	CacheDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcsync_cache_degraded",
		Help: "1 while the façade runs L1-only",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcsync_cache_l1_evictions_total",
		Help: "Entries evicted from the local cache for capacity",
	})

	CacheInvalidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_cache_invalidated_keys_total",
		Help: "Keys removed by invalidation, by kind (key, pattern, tag, remote)",
	}, []string{"kind"})

	Calculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_calculations_total",
		Help: "Resolved calculations by outcome (computed, cached, failed)",
	}, []string{"outcome"})

	CalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calcsync_calculation_seconds",
		Help:    "Time spent in the external computation callback",
		Buckets: prometheus.DefBuckets,
	})

	CoalescedSubmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcsync_debounce_coalesced_total",
		Help: "Submits that replaced a pending calculation",
	})

	PublishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_published_events_total",
		Help: "Events published on the bus, by event type",
	}, []string{"type"})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcsync_active_rooms",
		Help: "Rooms held by this instance",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcsync_active_connections",
		Help: "Open websocket connections on this instance",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcsync_rate_limited_total",
		Help: "Rejected requests by source (distributed, local, inbound)",
	}, []string{"source"})

	KafkaDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calcsync_kafka_dropped_total",
		Help: "Calculation events dropped after retries or on a full queue",
	})
)
