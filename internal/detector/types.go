package detector

import (
	"time"
)

// Category classifies a defect.
type Category string

const (
	InfiniteRecursion         Category = "infinite_recursion"
	ResourceLeak              Category = "resource_leak"
	MissingCleanup            Category = "missing_cleanup"
	InsufficientErrorHandling Category = "insufficient_error_handling"
	InjectionRisk             Category = "injection_risk"
	Other                     Category = "other"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		InfiniteRecursion, ResourceLeak, MissingCleanup,
		InsufficientErrorHandling, InjectionRisk, Other,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity of a finding.
type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
	Info     Severity = "info"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 3
	case Warning:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// Priority tags a recommendation.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities, critical highest.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// PriorityFor maps a severity to a recommendation priority.
func PriorityFor(s Severity) Priority {
	switch s {
	case Critical:
		return PriorityCritical
	case Warning:
		return PriorityHigh
	case Info:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Evidence is the matched span backing a finding.
type Evidence struct {
	Match string `json:"match"`
	Line  int    `json:"line,omitempty"`
}

// Finding is a detected defect. Findings are values and never mutated
// after Scan returns them.
type Finding struct {
	ID                 string   `json:"id"`
	Category           Category `json:"category"`
	Severity           Severity `json:"severity"`
	Evidence           Evidence `json:"evidence"`
	Confidence         float64  `json:"confidence"`
	SourceArtifact     string   `json:"source_artifact"`
	RuleIDs            []string `json:"rule_ids"`
	Description        string   `json:"description"`
	ExternalCategories []string `json:"external_categories,omitempty"`
	MatchCount         int      `json:"match_count"`
}

// Summary counts findings by severity.
type Summary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Recommendation is a priority-tagged remediation hint.
type Recommendation struct {
	Priority   Priority `json:"priority"`
	Category   Category `json:"category"`
	Action     string   `json:"action"`
	FindingIDs []string `json:"finding_ids"`
}

// AnalysisReport aggregates the findings of one scan.
type AnalysisReport struct {
	Timestamp          time.Time              `json:"timestamp"`
	Findings           []Finding              `json:"findings"`
	FindingsByCategory map[Category][]Finding `json:"findings_by_category"`
	Summary            Summary                `json:"summary"`
	Recommendations    []Recommendation       `json:"recommendations"`
	ArtifactsScanned   int                    `json:"artifacts_scanned"`
	ArtifactsSkipped   []string               `json:"artifacts_skipped,omitempty"`
	MinConfidence      float64                `json:"min_confidence"`
}

// Artifacts returns the distinct artifacts referenced by findings, in
// finding order.
func (r *AnalysisReport) Artifacts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.Findings {
		if !seen[f.SourceArtifact] {
			seen[f.SourceArtifact] = true
			out = append(out, f.SourceArtifact)
		}
	}
	return out
}

// ByID looks up a finding.
func (r *AnalysisReport) ByID(id string) (Finding, bool) {
	for _, f := range r.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}

// HasCategory reports whether any finding has category c.
func (r *AnalysisReport) HasCategory(c Category) bool {
	return len(r.FindingsByCategory[c]) > 0
}
