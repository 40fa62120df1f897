package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fixd_mission_runs_total"}, []string{"status"})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fixd_detector_findings_total"}, []string{"category", "severity"})
	fixes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fixd_remediation_fixes_total"}, []string{"status"})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{Name: "fixd_remediation_rollbacks_total"})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total"})
	reg.MustRegister(runs, findings, fixes, rollbacks, other)

	runs.WithLabelValues("completed").Add(3)
	runs.WithLabelValues("failed").Add(1)
	findings.WithLabelValues("infinite_recursion", "critical").Add(2)
	findings.WithLabelValues("resource_leak", "warning").Add(5)
	fixes.WithLabelValues("applied").Add(4)
	fixes.WithLabelValues("planned").Add(9)
	rollbacks.Inc()
	other.Add(100)

	c, err := ReadCounters(reg)
	require.NoError(t, err)
	assert.Equal(t, Counters{
		Missions:       4,
		MissionsFailed: 1,
		Findings:       7,
		Critical:       2,
		FixesApplied:   4,
		Rollbacks:      1,
	}, c)
}

func TestReadCounters_NilGatherer(t *testing.T) {
	c, err := ReadCounters(nil)
	require.NoError(t, err)
	assert.Zero(t, c)
}
