package detector

import (
	"fmt"
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"
)

const (
	toolName = "fixd"
	toolURI  = "https://github.com/fyrsmithlabs/fixd"
)

// ToSARIF converts an analysis report into a SARIF 2.1.0 log. Each finding
// becomes one result keyed by its category.
func ToSARIF(r *AnalysisReport) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("creating SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(toolName, toolURI)
	for _, rec := range r.Recommendations {
		run.AddRule(string(rec.Category)).
			WithDescription(rec.Action).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{
				Level: sarifLevel(severityForPriority(rec.Priority)),
			})
	}

	for _, f := range r.Findings {
		region := sarif.NewRegion()
		if f.Evidence.Line > 0 {
			region = region.WithStartLine(f.Evidence.Line)
		}
		location := sarif.NewLocation().WithPhysicalLocation(
			sarif.NewPhysicalLocation().
				WithArtifactLocation(sarif.NewArtifactLocation().WithUri(f.SourceArtifact)).
				WithRegion(region),
		)

		result := sarif.NewRuleResult(string(f.Category)).
			WithMessage(sarif.NewTextMessage(f.Description)).
			WithLevel(sarifLevel(f.Severity)).
			WithLocations([]*sarif.Location{location})
		result.PropertyBag = *sarif.NewPropertyBag()
		result.Add("findingId", f.ID)
		result.Add("confidence", f.Confidence)
		result.Add("ruleIds", f.RuleIDs)
		run.AddResult(result)
	}

	report.AddRun(run)
	return report, nil
}

// WriteSARIF writes the report as indented SARIF JSON.
func WriteSARIF(w io.Writer, r *AnalysisReport) error {
	report, err := ToSARIF(r)
	if err != nil {
		return err
	}
	return report.PrettyWrite(w)
}

func sarifLevel(s Severity) string {
	switch s {
	case Critical:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "note"
	default:
		return "none"
	}
}

func severityForPriority(p Priority) Severity {
	switch p {
	case PriorityCritical:
		return Critical
	case PriorityHigh:
		return Warning
	default:
		return Info
	}
}
