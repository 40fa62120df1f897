package mission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
)

const (
	RecommendNoDefects = "No defects detected; no action required."
	RecommendReview    = "Remediation complete; review verification warnings before merging."
	RecommendVerified  = "Remediation complete; all applied fixes verified."
)

// summarize builds the executive summary from whatever stage output exists.
func summarize(r *Report) Summary {
	var s Summary
	if r.Analysis != nil {
		s.Findings = r.Analysis.Summary.Total
		s.Critical = r.Analysis.Summary.Critical
	}
	if r.Fix != nil {
		counts := r.Fix.Counts()
		s.Applied = counts[remediation.StatusApplied]
		s.Planned = counts[remediation.StatusPlanned]
		s.Skipped = counts[remediation.StatusSkippedNoMatch]
		s.FailedFixes = counts[remediation.StatusFailed]
		s.Fixes = s.Applied + s.Planned
		s.ArtifactsModified = len(r.Fix.ModifiedArtifacts())
	}
	if r.Verification != nil {
		s.VerificationsPassed = r.Verification.Passed
		s.VerificationWarnings = len(r.Verification.Warnings)
	}
	if r.Audit != nil {
		score := r.Audit.HealthScore
		s.HealthScore = &score
	}
	s.Recommendation = terminalRecommendation(r, s)
	return s
}

func terminalRecommendation(r *Report, s Summary) string {
	switch {
	case r.Status == StateFailed:
		msg := fmt.Sprintf("Mission failed during %s; inspect partial report", r.FailedStage)
		if r.RolledBack {
			msg += "; rollback performed"
		}
		return msg + "."
	case s.Findings == 0:
		return RecommendNoDefects
	case s.VerificationWarnings > 0:
		return RecommendReview
	default:
		return RecommendVerified
	}
}

// escalation decides whether deep diagnostics is advised. A planned fix
// counts as addressing its finding.
func escalation(r *Report, problem string) Escalation {
	var e Escalation
	if r.Analysis != nil {
		fixed := make(map[string]bool)
		if r.Fix != nil {
			for _, f := range r.Fix.Fixes {
				if f.Status == remediation.StatusApplied || f.Status == remediation.StatusPlanned {
					fixed[f.FindingID] = true
				}
			}
		}
		if r.Fix != nil && r.Fix.RolledBack {
			fixed = map[string]bool{}
		}
		var unfixed []detector.Finding
		for _, f := range r.Analysis.Findings {
			if f.Severity == detector.Critical && !fixed[f.ID] {
				unfixed = append(unfixed, f)
			}
		}
		if len(unfixed) > 0 && r.Fix != nil {
			e.Reasons = append(e.Reasons, fmt.Sprintf("%d critical finding(s) not fixed", len(unfixed)))
		}
		if problem == "" {
			problem = problemStatement(unfixed, r.Analysis.Findings)
		}
	}
	if r.RolledBack {
		e.Reasons = append(e.Reasons, "remediation rolled back")
	}
	if r.Verification != nil && len(r.Verification.Warnings) > 0 {
		e.Reasons = append(e.Reasons, fmt.Sprintf("verification produced %d warning(s)", len(r.Verification.Warnings)))
	}
	e.Recommended = len(e.Reasons) > 0
	if e.Recommended {
		e.Problem = problem
	}
	return e
}

// problemStatement describes the findings that most need investigation.
func problemStatement(unfixed, all []detector.Finding) string {
	findings := unfixed
	if len(findings) == 0 {
		findings = all
	}
	if len(findings) == 0 {
		return "remediation did not complete cleanly"
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s %s in %s", f.Severity, strings.ReplaceAll(string(f.Category), "_", " "), f.SourceArtifact))
	}
	return strings.Join(parts, "; ")
}

// recommendations collects the terminal recommendation, detector actions
// and audit advice, without duplicates.
func recommendations(r *Report) []string {
	out := []string{r.Summary.Recommendation}
	seen := map[string]bool{r.Summary.Recommendation: true}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if r.Analysis != nil {
		recs := append([]detector.Recommendation(nil), r.Analysis.Recommendations...)
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].Priority.Rank() > recs[j].Priority.Rank()
		})
		for _, rec := range recs {
			add(rec.Action)
		}
	}
	if r.Audit != nil {
		for _, rec := range r.Audit.Recommendations {
			add(rec)
		}
	}
	if r.Escalation.Recommended && r.Escalation.SessionID == "" {
		add("Run deep diagnostics: " + strings.Join(r.Escalation.Reasons, ", ") + ".")
	}
	return out
}
