package reasoning

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

// Strategy names a reasoning strategy.
type Strategy string

const (
	FiveWhys Strategy = "five_whys"
	Fishbone Strategy = "fishbone"
	FMEA     Strategy = "fmea"
)

// Problem is the input shared by all strategies.
type Problem struct {
	Statement string `json:"statement"`

	// Context holds supporting text such as matched evidence or log lines.
	Context []string `json:"context,omitempty"`

	// Components names the affected system components for FMEA. When empty
	// they are inferred from the statement.
	Components []string `json:"components,omitempty"`
}

func (p Problem) text() string {
	return strings.Join(append([]string{p.Statement}, p.Context...), "\n")
}

// Cause is a candidate root cause.
type Cause struct {
	Description string            `json:"description"`
	Strategy    Strategy          `json:"source_strategy"`
	Confidence  float64           `json:"confidence"`
	Evidence    []string          `json:"evidence,omitempty"`
	Category    string            `json:"category,omitempty"`
	Priority    detector.Priority `json:"priority,omitempty"`
	RPN         int               `json:"rpn,omitempty"`

	// Adjustment is the confidence added from past outcomes.
	Adjustment float64 `json:"learning_adjustment,omitempty"`
}

// WhyStep is one question and answer of the FiveWhys chain.
type WhyStep struct {
	Depth    int    `json:"depth"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FiveWhysResult is the full questioning chain.
type FiveWhysResult struct {
	Chain       string    `json:"chain"`
	Steps       []WhyStep `json:"steps"`
	RootReached bool      `json:"root_reached"`
	Keywords    []string  `json:"keywords,omitempty"`
}

// RootCause returns the last answer of the chain.
func (r FiveWhysResult) RootCause() string {
	if len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[len(r.Steps)-1].Answer
}

// ScoredCandidate is a Fishbone candidate and its keyword score.
type ScoredCandidate struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Score       float64  `json:"score"`
	Matched     []string `json:"matched,omitempty"`
	Retained    bool     `json:"retained"`
}

// FailureMode is an FMEA entry for one component.
type FailureMode struct {
	Component  string            `json:"component"`
	Mode       string            `json:"mode"`
	Effect     string            `json:"effect"`
	Action     string            `json:"action"`
	Severity   int               `json:"severity"`
	Occurrence int               `json:"occurrence"`
	Detection  int               `json:"detection"`
	RPN        int               `json:"rpn"`
	Priority   detector.Priority `json:"priority"`
}

// Recommendation is a remediation action derived from the analysis.
type Recommendation struct {
	Family   string            `json:"family"`
	Action   string            `json:"action"`
	Priority detector.Priority `json:"priority"`
}

// ConsolidatedReport merges all strategies' output.
type ConsolidatedReport struct {
	Timestamp       time.Time         `json:"timestamp"`
	Problem         Problem           `json:"problem"`
	Causes          []Cause           `json:"causes"`
	Confidence      float64           `json:"confidence"`
	Recommendations []Recommendation  `json:"recommendations"`
	Strategies      []Strategy        `json:"strategies"`
	FiveWhys        FiveWhysResult    `json:"five_whys"`
	Fishbone        []ScoredCandidate `json:"fishbone"`
	FMEA            []FailureMode     `json:"fmea"`
	LearningMatches int               `json:"learning_matches"`
}

// Primary returns the highest-confidence cause.
func (r *ConsolidatedReport) Primary() (Cause, bool) {
	if len(r.Causes) == 0 {
		return Cause{}, false
	}
	return r.Causes[0], true
}

// CausesFrom returns the causes produced by s.
func (r *ConsolidatedReport) CausesFrom(s Strategy) []Cause {
	var out []Cause
	for _, c := range r.Causes {
		if c.Strategy == s {
			out = append(out, c)
		}
	}
	return out
}
