// Package metrics exposes Prometheus collectors for missions, findings,
// fixes and diagnostic sessions. They are served by `fixd serve` on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MissionRuns counts finished missions.
	// Labels: status (completed, failed)
	MissionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "mission",
			Name:      "runs_total",
			Help:      "Total number of mission runs by terminal status",
		},
		[]string{"status"},
	)

	// MissionDuration tracks wall time of a mission run.
	MissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fixd",
			Subsystem: "mission",
			Name:      "duration_seconds",
			Help:      "Duration of mission runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// MissionsActive is the number of missions currently running.
	MissionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fixd",
			Subsystem: "mission",
			Name:      "active",
			Help:      "Number of missions currently running",
		},
	)

	// Findings counts detector findings.
	// Labels: category, severity
	Findings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "detector",
			Name:      "findings_total",
			Help:      "Total number of findings emitted by the defect detector",
		},
		[]string{"category", "severity"},
	)

	// Fixes counts fix records.
	// Labels: status (applied, skipped_no_match, failed, planned)
	Fixes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "remediation",
			Name:      "fixes_total",
			Help:      "Total number of fix records by status",
		},
		[]string{"status"},
	)

	// Rollbacks counts remediation attempts that restored snapshots.
	Rollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "remediation",
			Name:      "rollbacks_total",
			Help:      "Total number of remediation attempts rolled back",
		},
	)

	// DiagnosticPhases counts diagnostic phases by outcome.
	// Labels: phase, result (ok, error)
	DiagnosticPhases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "diagnostic",
			Name:      "phases_total",
			Help:      "Total number of diagnostic phases executed",
		},
		[]string{"phase", "result"},
	)

	// AuditHealthScore is the last computed storage health score.
	AuditHealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fixd",
			Subsystem: "audit",
			Name:      "health_score",
			Help:      "Most recent resource audit health score (0-100)",
		},
	)
)

// ObserveMission records a finished mission.
func ObserveMission(status string, elapsed time.Duration) {
	MissionRuns.WithLabelValues(status).Inc()
	MissionDuration.Observe(elapsed.Seconds())
}
