package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquisitionsTotal counts lock acquisition outcomes: acquired,
	// contended (all rounds lost) or error.
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testreport_lock_acquisitions_total",
			Help: "Total number of report-lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockAcquireDuration tracks how long contenders spent polling for the lock.
	LockAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testreport_lock_acquire_duration_seconds",
			Help:    "Time spent acquiring the report lock in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		},
	)

	// ShardsStoredTotal counts shard archives accepted for storage.
	ShardsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testreport_shards_stored_total",
			Help: "Total number of shard archives stored",
		},
	)

	// ShardsMergedTotal counts shards successfully unpacked into a merge.
	ShardsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testreport_shards_merged_total",
			Help: "Total number of shards included in merged reports",
		},
	)

	// ShardsCorruptTotal counts shard archives dropped from a merge because
	// they could not be unpacked.
	ShardsCorruptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testreport_shards_corrupt_total",
			Help: "Total number of corrupt shard archives skipped during merges",
		},
	)

	// GenerationsTotal counts generate outcomes by status.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testreport_generations_total",
			Help: "Total number of report generation requests by outcome",
		},
		[]string{"status"},
	)

	// GenerationDuration tracks end-to-end generate latency.
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testreport_generation_duration_seconds",
			Help:    "Duration of report generation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// ReportsPublishedTotal counts successfully published reports.
	ReportsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testreport_reports_published_total",
			Help: "Total number of reports published",
		},
	)

	// PublishFailuresTotal counts failed or partial publishes.
	PublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "testreport_publish_failures_total",
			Help: "Total number of failed report publishes",
		},
	)

	// WorkersActive tracks the number of generate requests being processed.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testreport_workers_active",
			Help: "Number of currently active worker goroutines",
		},
	)
)
