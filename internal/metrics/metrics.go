// Package metrics provides Prometheus metrics for CalicoDB
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one database handle
type Metrics struct {
	// Pager cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	FramesDirty         prometheus.Gauge
	PageReadsTotal      prometheus.Counter
	PageWritesTotal     prometheus.Counter

	// WAL metrics
	WalRecordsTotal  prometheus.Counter
	WalBytesTotal    prometheus.Counter
	WalSegmentsTotal prometheus.Counter
	WalSyncsTotal    prometheus.Counter

	// Database metrics
	DbOperationsTotal  *prometheus.CounterVec
	CommitDuration     prometheus.Histogram
	DbRecordsTotal     prometheus.Gauge
	DbPagesTotal       prometheus.Gauge
	RecoveriesTotal    prometheus.Counter
	VacuumedPagesTotal prometheus.Counter
}

// NewMetrics creates all metrics and registers them against reg. Each
// database handle owns a registry so embedded use and tests never
// collide on global registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_pager_cache_hits_total",
		Help: "Total number of page registry hits",
	})
	m.CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_pager_cache_misses_total",
		Help: "Total number of page registry misses",
	})
	m.CacheEvictionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_pager_cache_evictions_total",
		Help: "Total number of frames evicted from the page registry",
	})
	m.FramesDirty = factory.NewGauge(prometheus.GaugeOpts{
		Name: "calicodb_pager_frames_dirty",
		Help: "Number of frames currently holding unflushed modifications",
	})
	m.PageReadsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_pager_page_reads_total",
		Help: "Total number of pages read from the data file",
	})
	m.PageWritesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_pager_page_writes_total",
		Help: "Total number of pages written to the data file",
	})

	m.WalRecordsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_wal_records_total",
		Help: "Total number of WAL records appended",
	})
	m.WalBytesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_wal_bytes_total",
		Help: "Total number of WAL bytes appended",
	})
	m.WalSegmentsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_wal_segments_total",
		Help: "Total number of WAL segments created",
	})
	m.WalSyncsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_wal_syncs_total",
		Help: "Total number of WAL fsync calls",
	})

	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calicodb_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)
	m.CommitDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "calicodb_commit_duration_seconds",
		Help:    "Duration of commit operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	m.DbRecordsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "calicodb_db_records_total",
		Help: "Number of records in the database",
	})
	m.DbPagesTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "calicodb_db_pages_total",
		Help: "Number of allocated pages in the data file",
	})
	m.RecoveriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_recoveries_total",
		Help: "Total number of open-time WAL recovery passes",
	})
	m.VacuumedPagesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "calicodb_vacuumed_pages_total",
		Help: "Total number of pages reclaimed by vacuum",
	})

	return m
}

// RecordDbOperation records one database operation outcome
func (m *Metrics) RecordDbOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DbOperationsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveCommit records one commit's duration
func (m *Metrics) ObserveCommit(duration time.Duration) {
	m.CommitDuration.Observe(duration.Seconds())
}
