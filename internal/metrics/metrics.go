// Package metrics holds the process-wide Prometheus collectors.
//
// Every collector here corresponds to an invariant or testable property in
// the load-engine design: one commit per successful load, one rollback per
// failed one, a timeout counter distinct from a generic SQL-failure counter,
// and gauges tracking in-flight warehouse connections and watcher counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warehouse_loader_build_info",
			Help: "Build information of the warehouse loader",
		},
		[]string{"version", "commit", "date"},
	)

	ImportsCommitTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_loader_imports_commit_total",
			Help: "Total number of committed load transactions",
		},
	)

	ImportsRollbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_loader_imports_rollback_total",
			Help: "Total number of rolled-back load transactions",
		},
	)

	ImportsTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_loader_imports_timeout_total",
			Help: "Total number of per-statement timeouts",
		},
	)

	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warehouse_loader_import_duration_seconds",
			Help:    "Duration of a full load-table call, by strategy",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"strategy"},
	)

	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warehouse_loader_open_connections",
			Help: "Number of currently open warehouse connections",
		},
	)

	CycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_loader_cycle_transitions_total",
			Help: "Total number of load-cycle state-machine steps, by the state each step starts from",
		},
		[]string{"state"},
	)

	DirectoriesDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_loader_directories_discovered_total",
			Help: "Total number of load directories discovered by the bucket watcher",
		},
	)

	ActiveKeyWatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warehouse_loader_active_key_watchers",
			Help: "Number of currently running key watchers",
		},
	)

	StatusDBUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_loader_status_db_updates_total",
			Help: "Total number of status DB row update attempts, by qualified table name and lifecycle status",
		},
		[]string{"label", "status"},
	)
)
