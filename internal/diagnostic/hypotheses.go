package diagnostic

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

// categoryKeywords maps problem statement words to defect categories. A
// keyword matches any word it prefixes.
var categoryKeywords = []struct {
	category detector.Category
	keywords []string
}{
	{detector.InfiniteRecursion, []string{"retry", "retries", "recurs", "loop", "infinite", "hang", "overflow", "freez"}},
	{detector.ResourceLeak, []string{"leak", "memory", "interval", "timer", "listener", "grow", "slow"}},
	{detector.MissingCleanup, []string{"cleanup", "unmount", "effect", "teardown", "stale"}},
	{detector.InsufficientErrorHandling, []string{"error", "exception", "silent", "swallow", "crash", "unhandled", "catch", "blank"}},
	{detector.InjectionRisk, []string{"inject", "xss", "innerhtml", "sanitiz", "script"}},
}

var descriptions = map[detector.Category]string{
	detector.InfiniteRecursion:         "Unbounded retry or recursion keeps re-issuing the failing call",
	detector.ResourceLeak:              "Timers or listeners are acquired without a matching teardown",
	detector.MissingCleanup:            "Effects keep running after their owner is unmounted",
	detector.InsufficientErrorHandling: "Errors are swallowed, hiding the failing operation",
	detector.InjectionRisk:             "Unsanitized input reaches an injection sink",
	detector.Other:                     "Fault outside the known defect signatures",
}

type steps struct {
	reproduce []string
	isolate   []string
}

var templates = map[detector.Category]steps{
	detector.InfiniteRecursion: {
		reproduce: []string{
			"Scan the artifacts for self-recursive retry calls",
			"Confirm no bound check precedes the recursive call",
			"Replay the failing request and count attempts",
		},
		isolate: []string{
			"List the artifacts containing unbounded retries",
			"Bound the retry in one artifact at a time",
			"Confirm the failure is confined to the listed artifacts",
		},
	},
	detector.ResourceLeak: {
		reproduce: []string{
			"Scan the artifacts for timers and listeners without teardown",
			"Mount and unmount the owning view repeatedly",
			"Observe heap growth or duplicate callbacks",
		},
		isolate: []string{
			"List the artifacts holding unreleased acquisitions",
			"Add teardown in one artifact at a time",
			"Confirm growth stops once the listed artifacts are fixed",
		},
	},
	detector.MissingCleanup: {
		reproduce: []string{
			"Scan the artifacts for effects without a returned cleanup",
			"Navigate away while the effect is active",
			"Observe work continuing after unmount",
		},
		isolate: []string{
			"List the components whose effects lack cleanup",
			"Add cleanup to one component at a time",
			"Confirm post-unmount work stops",
		},
	},
	detector.InsufficientErrorHandling: {
		reproduce: []string{
			"Scan the artifacts for empty catch handlers and unguarded parses",
			"Force the guarded operation to fail",
			"Confirm no error reaches logs or the user",
		},
		isolate: []string{
			"List the artifacts that swallow errors",
			"Surface errors in one artifact at a time",
			"Confirm the hidden failure appears in the listed artifacts only",
		},
	},
	detector.InjectionRisk: {
		reproduce: []string{
			"Scan the artifacts for raw HTML and eval sinks",
			"Feed a marker payload through the input path",
			"Confirm the payload reaches the sink unescaped",
		},
		isolate: []string{
			"List the artifacts with unsanitized sinks",
			"Escape input at one sink at a time",
			"Confirm the payload is neutralized at the listed sinks",
		},
	},
	detector.Other: {
		reproduce: []string{
			"Scan the artifacts for secret exposure and other signatures",
			"Capture host resource usage while reproducing",
			"Compare against a known-good environment",
		},
		isolate: []string{
			"List the artifacts with uncategorized findings",
			"Change one environmental factor at a time",
			"Confirm which artifact or factor the failure follows",
		},
	},
}

// keywordCategories returns the categories implied by the problem wording,
// in category order.
func keywordCategories(statement string) []detector.Category {
	words := strings.FieldsFunc(strings.ToLower(statement), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []detector.Category
	for _, ck := range categoryKeywords {
	match:
		for _, kw := range ck.keywords {
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					out = append(out, ck.category)
					break match
				}
			}
		}
	}
	return out
}

func categoryIndex(c detector.Category) int {
	for i, cat := range detector.Categories() {
		if cat == c {
			return i
		}
	}
	return len(detector.Categories())
}

// candidate accumulates evidence for one category before scoring.
type candidate struct {
	direct   bool
	evidence []string
}

// generateHypotheses scores every category suggested by the scope and the
// gathered information. transformable reports whether a category has a
// registered transformation.
func generateHypotheses(scope *Scope, info *Information, transformable func(detector.Category) bool) []Hypothesis {
	cands := make(map[detector.Category]*candidate)
	get := func(c detector.Category) *candidate {
		if cands[c] == nil {
			cands[c] = &candidate{}
		}
		return cands[c]
	}

	if info != nil && info.Analysis != nil {
		for _, f := range info.Analysis.Findings {
			c := get(f.Category)
			c.direct = true
			c.evidence = append(c.evidence, fmt.Sprintf("%s: %s (confidence %.2f)", f.ID, f.SourceArtifact, f.Confidence))
		}
	}
	for _, cat := range scope.Categories {
		c := get(cat)
		c.evidence = append(c.evidence, "problem statement mentions "+strings.ReplaceAll(string(cat), "_", " "))
	}
	if info != nil {
		if info.Host.Elevated() {
			c := get(detector.Other)
			c.evidence = append(c.evidence, fmt.Sprintf("host resources elevated (memory %.0f%%, cpu %.0f%%)",
				info.Host.MemoryPercent, info.Host.CPUPercent))
		}
		if info.Repository != nil && len(info.Repository.Changes) > 0 {
			ch := info.Repository.Changes[0]
			for _, c := range cands {
				c.evidence = append(c.evidence, fmt.Sprintf("recent change %.8s: %s", ch.Hash, firstLine(ch.Message)))
			}
		}
	}
	if len(cands) == 0 {
		get(detector.Other)
	}

	indirect := info.IndirectEvidence()
	haveArtifacts := len(scope.Artifacts) > 0

	out := make([]Hypothesis, 0, len(cands))
	for cat, c := range cands {
		h := Hypothesis{
			Category:    cat,
			Description: descriptions[cat],
			Likelihood:  1,
			Testability: 1,
			Evidence:    c.evidence,
		}
		switch {
		case c.direct:
			h.Likelihood = 3
		case indirect:
			h.Likelihood = 2
		}
		switch {
		case haveArtifacts && transformable(cat):
			h.Testability = 3
		case haveArtifacts:
			h.Testability = 2
		}
		h.Score = h.Likelihood + h.Testability
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Likelihood != out[j].Likelihood {
			return out[i].Likelihood > out[j].Likelihood
		}
		return categoryIndex(out[i].Category) < categoryIndex(out[j].Category)
	})
	for i := range out {
		out[i].ID = fmt.Sprintf("H%d", i+1)
	}
	return out
}

// designTests creates a reproduction and an isolation test for each of the
// first limit hypotheses.
func designTests(hyps []Hypothesis, limit int) []Test {
	if limit > len(hyps) {
		limit = len(hyps)
	}
	tests := make([]Test, 0, 2*limit)
	for _, h := range hyps[:limit] {
		tpl, ok := templates[h.Category]
		if !ok {
			tpl = templates[detector.Other]
		}
		tests = append(tests,
			Test{
				ID:           h.ID + "-R",
				HypothesisID: h.ID,
				Category:     h.Category,
				Kind:         Reproduction,
				Steps:        append([]string(nil), tpl.reproduce...),
				Status:       TestPending,
			},
			Test{
				ID:           h.ID + "-I",
				HypothesisID: h.ID,
				Category:     h.Category,
				Kind:         Isolation,
				Steps:        append([]string(nil), tpl.isolate...),
				Status:       TestPending,
			},
		)
	}
	return tests
}

// affected returns the distinct artifacts with findings in category c.
func affected(r *detector.AnalysisReport, c detector.Category) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.FindingsByCategory[c] {
		if !seen[f.SourceArtifact] {
			seen[f.SourceArtifact] = true
			out = append(out, f.SourceArtifact)
		}
	}
	sort.Strings(out)
	return out
}

// executeTests runs reproduction tests before isolation tests against a
// fresh scan and returns the execution order. Isolation tests of hypotheses
// that were not reproduced are skipped.
func executeTests(tests []Test, rescan *detector.AnalysisReport, total int) []string {
	var order []string
	reproduced := make(map[string]bool)
	for i := range tests {
		t := &tests[i]
		if t.Kind != Reproduction {
			continue
		}
		order = append(order, t.ID)
		if rescan.HasCategory(t.Category) {
			t.Status = TestPassed
			t.Detail = fmt.Sprintf("%d finding(s) reproduced", len(rescan.FindingsByCategory[t.Category]))
			reproduced[t.HypothesisID] = true
		} else {
			t.Status = TestFailed
			t.Detail = "category not reproduced by a fresh scan"
		}
	}
	for i := range tests {
		t := &tests[i]
		if t.Kind != Isolation {
			continue
		}
		if !reproduced[t.HypothesisID] {
			t.Status = TestSkipped
			t.Detail = "reproduction failed"
			continue
		}
		order = append(order, t.ID)
		paths := affected(rescan, t.Category)
		if len(paths) == 1 || len(paths) < total {
			t.Status = TestPassed
			t.Detail = "confined to " + strings.Join(paths, ", ")
		} else {
			t.Status = TestFailed
			t.Detail = fmt.Sprintf("present in all %d artifacts", total)
		}
	}
	return order
}

// identify picks the category with the most passing tests. Ties go to the
// higher-ranked hypothesis.
func identify(hyps []Hypothesis, tests []Test) RootCause {
	passes := make(map[string]int)
	failed := make(map[string]bool)
	tested := make(map[string]bool)
	for _, t := range tests {
		tested[t.HypothesisID] = true
		switch t.Status {
		case TestPassed:
			passes[t.HypothesisID]++
		case TestFailed:
			failed[t.HypothesisID] = true
		}
	}

	var rc RootCause
	best := 0
	for _, h := range hyps {
		if passes[h.ID] > best {
			best = passes[h.ID]
			rc.HypothesisID = h.ID
			rc.Category = h.Category
		}
	}
	rc.PassingTests = best
	rc.Confirmed = best > 0
	if !rc.Confirmed && len(hyps) > 0 {
		rc.HypothesisID = hyps[0].ID
		rc.Category = hyps[0].Category
	}
	for _, h := range hyps {
		if tested[h.ID] && failed[h.ID] && h.ID != rc.HypothesisID {
			rc.Eliminated = append(rc.Eliminated, h.ID)
		}
	}
	return rc
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
