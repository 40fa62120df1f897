package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are process-lifetime totals read from the fixd collectors.
type Counters struct {
	Missions       float64
	MissionsFailed float64
	Findings       float64
	Critical       float64
	FixesApplied   float64
	Rollbacks      float64
}

// ReadCounters sums the fixd_* families exposed by g.
func ReadCounters(g prometheus.Gatherer) (Counters, error) {
	var c Counters
	if g == nil {
		return c, nil
	}
	families, err := g.Gather()
	if err != nil {
		return c, fmt.Errorf("gathering metrics: %w", err)
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			switch mf.GetName() {
			case "fixd_mission_runs_total":
				v := m.GetCounter().GetValue()
				c.Missions += v
				if labels["status"] == "failed" {
					c.MissionsFailed += v
				}
			case "fixd_detector_findings_total":
				v := m.GetCounter().GetValue()
				c.Findings += v
				if labels["severity"] == "critical" {
					c.Critical += v
				}
			case "fixd_remediation_fixes_total":
				if labels["status"] == "applied" {
					c.FixesApplied += m.GetCounter().GetValue()
				}
			case "fixd_remediation_rollbacks_total":
				c.Rollbacks += m.GetCounter().GetValue()
			}
		}
	}
	return c, nil
}
