package libdiff

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rodepush",
		Subsystem: "libdiff",
		Name:      "cache_hits_total",
		Help:      "Diff requests served from an existing package.",
	})

	missCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rodepush",
		Subsystem: "libdiff",
		Name:      "cache_misses_total",
		Help:      "Diff requests that required a build.",
	})

	buildCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rodepush",
		Subsystem: "libdiff",
		Name:      "builds_total",
		Help:      "Diff packages computed.",
	})

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rodepush",
		Subsystem: "libdiff",
		Name:      "build_duration_seconds",
		Help:      "The duration of diff package builds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	evictCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rodepush",
		Subsystem: "libdiff",
		Name:      "evictions_total",
		Help:      "Diff packages evicted by the budget sweeper.",
	})
)
