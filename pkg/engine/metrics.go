package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a container of metrics for an engine.
type metrics struct {
	queriesTotal         *prometheus.CounterVec
	rowsReturnedTotal    prometheus.Counter
	yieldsTotal          prometheus.Counter
	conflictRetriesTotal prometheus.Counter

	buildSeconds prometheus.Histogram
	execSeconds  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "corvusdb_engine_queries_total",
			Help: "Total number of executed queries by final status",
		}, []string{"status"}),
		rowsReturnedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "corvusdb_engine_rows_returned_total",
			Help: "Total number of result documents returned to callers",
		}),
		yieldsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "corvusdb_engine_yields_total",
			Help: "Total number of executor yield points taken",
		}),
		conflictRetriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "corvusdb_engine_write_conflict_retries_total",
			Help: "Total number of rows retried after losing a storage write conflict",
		}),

		buildSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "corvusdb_engine_plan_build_seconds",
			Help:    "Time spent lowering logical plans to stage trees",
			Buckets: prometheus.DefBuckets,
		}),
		execSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "corvusdb_engine_query_exec_seconds",
			Help:    "Time spent executing queries to completion",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
