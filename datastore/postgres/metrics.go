package postgres

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rodepush",
			Subsystem: "catalog",
			Name:      "queries_total",
			Help:      "Total number of database queries issued, by method and query.",
		},
		[]string{"method", "query"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rodepush",
			Subsystem: "catalog",
			Name:      "query_duration_seconds",
			Help:      "The duration of database queries, by method and query.",
		},
		[]string{"method", "query"},
	)
)

// observe records one query issue under the method/query labels.
func observe(method, query string, start time.Time) {
	queryCounter.WithLabelValues(method, query).Inc()
	queryDuration.WithLabelValues(method, query).Observe(time.Since(start).Seconds())
}
