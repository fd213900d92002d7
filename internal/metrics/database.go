package metrics

import "github.com/prometheus/client_golang/prometheus"

// DatabaseMetrics holds Prometheus metrics for Postgres queries and the
// session store circuit breaker.
type DatabaseMetrics struct {
	QueryDuration       *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec
	CircuitStateChanges *prometheus.CounterVec
}

func NewDatabaseMetrics(reg prometheus.Registerer) *DatabaseMetrics {
	m := &DatabaseMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Postgres query latency in seconds by statement kind.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"query"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Failed Postgres queries by statement kind.",
		}, []string{"query"}),
		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Session store circuit breaker transitions by target state.",
		}, []string{"to"}),
	}

	reg.MustRegister(m.QueryDuration, m.ErrorsTotal, m.CircuitStateChanges)
	return m
}
