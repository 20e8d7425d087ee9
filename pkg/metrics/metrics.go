package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mutation metrics
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ormdb_mutations_total",
			Help: "Total number of mutations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	MutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ormdb_mutation_duration_seconds",
			Help:    "Mutation pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CascadeDeletes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_cascade_deletes_total",
			Help: "Total number of records deleted through cascades",
		},
	)

	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ormdb_queries_total",
			Help: "Total number of graph queries by terminal state",
		},
		[]string{"state"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ormdb_query_duration_seconds",
			Help:    "Query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueryEntitiesReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ormdb_query_entities_returned",
			Help:    "Entities materialized per query",
			Buckets: []float64{1, 10, 100, 1000, 10000},
		},
	)

	// Plan cache metrics
	PlanCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_plan_cache_hits_total",
			Help: "Plan cache hits",
		},
	)

	PlanCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_plan_cache_misses_total",
			Help: "Plan cache misses",
		},
	)

	PlanCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_plan_cache_evictions_total",
			Help: "Plan cache LRU evictions",
		},
	)

	// Index metrics
	BTreeBuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_btree_builds_total",
			Help: "Lazy b-tree index builds performed",
		},
	)

	BTreeBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ormdb_btree_build_duration_seconds",
			Help:    "Lazy b-tree build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Change log metrics
	ChangelogAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_changelog_appends_total",
			Help: "Change log entries appended",
		},
	)

	ChangelogLastLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ormdb_changelog_last_lsn",
			Help: "Highest committed LSN",
		},
	)

	ChangelogSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ormdb_changelog_subscribers",
			Help: "Open change log streams",
		},
	)

	// Compaction metrics
	CompactionCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_compaction_cycles_total",
			Help: "Total number of compaction cycles completed",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ormdb_compaction_duration_seconds",
			Help:    "Compaction cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TombstonesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_tombstones_removed_total",
			Help: "Tombstoned records physically removed by compaction",
		},
	)

	VersionsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ormdb_versions_removed_total",
			Help: "Historical record versions pruned by compaction",
		},
	)

	// Row metrics
	RowsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ormdb_rows_live",
			Help: "Live rows per entity",
		},
		[]string{"entity"},
	)
)

func init() {
	prometheus.MustRegister(MutationsTotal)
	prometheus.MustRegister(MutationDuration)
	prometheus.MustRegister(CascadeDeletes)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryEntitiesReturned)
	prometheus.MustRegister(PlanCacheHits)
	prometheus.MustRegister(PlanCacheMisses)
	prometheus.MustRegister(PlanCacheEvictions)
	prometheus.MustRegister(BTreeBuilds)
	prometheus.MustRegister(BTreeBuildDuration)
	prometheus.MustRegister(ChangelogAppends)
	prometheus.MustRegister(ChangelogLastLSN)
	prometheus.MustRegister(ChangelogSubscribers)
	prometheus.MustRegister(CompactionCyclesTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(TombstonesRemoved)
	prometheus.MustRegister(VersionsRemoved)
	prometheus.MustRegister(RowsLive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
