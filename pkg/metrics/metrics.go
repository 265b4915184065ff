// Package metrics exposes Prometheus collectors for the embeddb storage engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsTotal tracks live record counts per entity.
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "embeddb_records_total",
			Help: "Number of live records currently held in memory, by entity",
		},
		[]string{"entity"},
	)

	ShardLogBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "embeddb_shard_log_bytes",
			Help: "Size in bytes of a shard's on-disk log file",
		},
		[]string{"entity", "shard"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embeddb_operations_total",
			Help: "Total number of store operations by entity and kind",
		},
		[]string{"entity", "op"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embeddb_operation_duration_seconds",
			Help:    "Latency of store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity", "op"},
	)

	QueryPlanTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embeddb_query_plan_total",
			Help: "Number of selects executed, partitioned by whether an index-assisted plan was used",
		},
		[]string{"entity", "plan"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embeddb_compaction_duration_seconds",
			Help:    "Duration of optimize_entity compaction passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity"},
	)

	ReplayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embeddb_replay_duration_seconds",
			Help:    "Duration of shard log replay at entity open",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity"},
	)
)

func init() {
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(ShardLogBytes)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(QueryPlanTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(ReplayDuration)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
