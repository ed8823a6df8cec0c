// Package metrics defines the Prometheus instruments exported by auditchain.
//
// Metrics are exposed at /metrics by `auditchain serve`:
//
//	audit_entries_recorded_total{severity}
//	audit_record_failures_total{reason}
//	audit_chain_sequence
//	audit_log_rotations_total
//	audit_log_files_pruned_total
//	audit_index_publish_total{result}
//	audit_index_breaker_state{name}
//	audit_verify_failures_total{reason}
//	audit_verify_duration_seconds
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntriesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_recorded_total",
			Help: "Audit entries durably appended and committed to the chain",
		},
		[]string{"severity"},
	)

	RecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_record_failures_total",
			Help: "Record calls that aborted without committing",
		},
		[]string{"reason"},
	)

	ChainSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_chain_sequence",
			Help: "Sequence number of the last committed audit entry",
		},
	)

	Rotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_rotations_total",
			Help: "Partition files rotated and compressed",
		},
	)

	FilesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_files_pruned_total",
			Help: "Partition files deleted by the retention policy",
		},
	)

	IndexPublish = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_index_publish_total",
			Help: "Index publish attempts by result (ok, error, dropped, rejected, repaired)",
		},
		[]string{"result"},
	)

	IndexBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_index_breaker_state",
			Help: "Index circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	VerifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_verify_failures_total",
			Help: "Integrity failures found by verification runs",
		},
		[]string{"reason"},
	)

	VerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_verify_duration_seconds",
			Help:    "Wall time of verification runs",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
)
