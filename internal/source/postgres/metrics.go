package postgres

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for dump and restore status.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusKilled    = "killed"
)

var (
	dumpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgarc_postgres_dumps_total",
			Help: "Total number of database dumps attempted by the postgres source.",
		},
		[]string{"status"},
	)

	restoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgarc_postgres_restores_total",
			Help: "Total number of database restores attempted by the postgres source.",
		},
		[]string{"status"},
	)

	dumpBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgarc_postgres_dump_bytes_total",
			Help: "Total raw bytes read from pg_dump across all dumps.",
		},
	)

	dumpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgarc_postgres_dump_seconds",
			Help:    "Duration of a single database dump, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(dumpsTotal)
	prometheus.MustRegister(restoresTotal)
	prometheus.MustRegister(dumpBytesTotal)
	prometheus.MustRegister(dumpDuration)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, status := range []string{statusCompleted, statusFailed, statusKilled} {
		dumpsTotal.WithLabelValues(status)
		restoresTotal.WithLabelValues(status)
	}
}
