// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts console API requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aecu_http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// ScriptExecutionsTotal counts script executions by script type and state.
	ScriptExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aecu_script_executions_total",
			Help: "Total number of script executions.",
		},
		[]string{"type", "state"},
	)

	ScriptExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aecu_script_execution_duration_seconds",
			Help:    "Duration of script executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"type"},
	)

	// HistoryEntriesTotal counts finished history entries by result.
	HistoryEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aecu_history_entries_total",
			Help: "Total number of finished history entries.",
		},
		[]string{"result"},
	)

	HistoryPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aecu_history_purged_total",
			Help: "Total number of history entries removed by retention.",
		},
	)

	// IsLeader is 1 on the node currently running scheduled actions.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aecu_is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
