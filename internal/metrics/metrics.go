// Package metrics defines the Prometheus metrics exposed by mirrorsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal counts completed sync runs by final status
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorsync_runs_total",
			Help: "Total number of sync runs by final status",
		},
		[]string{"status"},
	)

	// RunDuration tracks full sync run duration
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirrorsync_run_duration_seconds",
			Help:    "Duration of full sync runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// RecordsTotal counts synced records per table and outcome
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorsync_records_total",
			Help: "Total number of records processed per table and outcome",
		},
		[]string{"table", "outcome"},
	)

	// TableSyncDuration tracks per-table sync duration
	TableSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirrorsync_table_sync_duration_seconds",
			Help:    "Duration of per-table sync in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// TableErrorsTotal counts table-level sync failures
	TableErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorsync_table_errors_total",
			Help: "Total number of table-level sync failures",
		},
		[]string{"table"},
	)

	// SchedulerTicksTotal counts scheduler-initiated sync attempts
	SchedulerTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorsync_scheduler_ticks_total",
			Help: "Total number of scheduler-initiated sync attempts",
		},
	)
)
