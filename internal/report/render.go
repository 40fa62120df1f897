package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type builder struct {
	strings.Builder
}

func (b *builder) section(title string) {
	b.WriteString("\n" + sectionStyle.Render("┃ "+title) + "\n")
}

func (b *builder) field(label, value string) {
	b.WriteString(labelStyle.Render("  "+label+": ") + valueStyle.Render(value) + "\n")
}

func (b *builder) line(s string) {
	b.WriteString("  " + s + "\n")
}

func severityBadge(s detector.Severity) string {
	switch s {
	case detector.Critical:
		return errorStyle.Render("● critical")
	case detector.Warning:
		return warningStyle.Render("● warning")
	default:
		return dimStyle.Render("● info")
	}
}

func statusBadge(ok bool, label string) string {
	if ok {
		return healthyStyle.Render("✓ " + label)
	}
	return errorStyle.Render("✗ " + label)
}

// Mission renders a mission report.
func Mission(r *mission.Report) string {
	var b builder
	b.WriteString(headerStyle.Render(" fixd mission "+r.ID+" ") + "\n")
	b.WriteString(statusBadge(r.Status == mission.StateCompleted, string(r.Status)))
	if r.DryRun {
		b.WriteString("   " + dimStyle.Render("dry run"))
	}
	if d := r.Duration(); d > 0 {
		b.WriteString("   " + dimStyle.Render(FormatDuration(d)))
	}
	b.WriteString("\n")

	s := r.Summary
	b.section("Summary")
	b.field("Findings", fmt.Sprintf("%d (%d critical)", s.Findings, s.Critical))
	b.field("Fixes", fmt.Sprintf("%d applied, %d planned, %d skipped, %d failed", s.Applied, s.Planned, s.Skipped, s.FailedFixes))
	b.field("Verified", fmt.Sprintf("%d passed, %d warning(s)", s.VerificationsPassed, s.VerificationWarnings))
	if s.HealthScore != nil {
		b.field("Storage health", healthLabel(*s.HealthScore))
	}
	if r.Status == mission.StateFailed {
		b.field("Failed stage", string(r.FailedStage))
		b.line(errorStyle.Render(r.Error))
	}

	if r.Analysis != nil && len(r.Analysis.Findings) > 0 {
		b.section("Findings")
		writeFindings(&b, r.Analysis.Findings)
	}
	if r.Fix != nil && len(r.Fix.Fixes) > 0 {
		b.section("Fixes")
		for _, f := range r.Fix.Fixes {
			b.line(fmt.Sprintf("%s %s %s", valueStyle.Render(string(f.Status)), f.Artifact, dimStyle.Render(string(f.Category))))
		}
	}
	if r.Verification != nil && len(r.Verification.Warnings) > 0 {
		b.section("Verification warnings")
		for _, w := range r.Verification.Warnings {
			b.line(warningStyle.Render("⚠ ") + w)
		}
	}
	if r.Escalation.Recommended {
		b.section("Escalation")
		for _, reason := range r.Escalation.Reasons {
			b.line("• " + reason)
		}
		if r.Escalation.SessionID != "" {
			b.field("Diagnostic session", r.Escalation.SessionID)
		}
		if r.Escalation.Error != "" {
			b.line(errorStyle.Render(r.Escalation.Error))
		}
	}

	b.section("Recommendations")
	for _, rec := range r.Recommendations {
		b.line("→ " + rec)
	}
	return containerStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// Analysis renders a scan report.
func Analysis(a *detector.AnalysisReport) string {
	var b builder
	b.WriteString(headerStyle.Render(" fixd scan ") + "\n")
	b.field("Findings", fmt.Sprintf("%d critical, %d warning, %d info",
		a.Summary.Critical, a.Summary.Warning, a.Summary.Info))
	if len(a.Findings) == 0 {
		b.line(healthyStyle.Render("✓ no defects detected"))
		return strings.TrimRight(b.String(), "\n")
	}
	b.section("Findings")
	writeFindings(&b, a.Findings)
	b.section("Recommendations")
	for _, r := range a.Recommendations {
		b.line(fmt.Sprintf("[%s] %s", r.Priority, r.Action))
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeFindings(b *builder, findings []detector.Finding) {
	for _, f := range findings {
		loc := f.SourceArtifact
		if f.Evidence.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, f.Evidence.Line)
		}
		b.line(fmt.Sprintf("%s %s %s %s", severityBadge(f.Severity), valueStyle.Render(string(f.Category)),
			loc, dimStyle.Render(FormatConfidence(f.Confidence))))
		if f.Description != "" {
			b.line("    " + dimStyle.Render(f.Description))
		}
	}
}

// Audit renders a resource audit.
func Audit(a *audit.Report) string {
	var b builder
	b.WriteString(headerStyle.Render(" fixd audit ") + "\n")
	b.field("Session", a.SessionRef)
	b.field("Health", healthLabel(a.HealthScore))
	b.field("Files", fmt.Sprintf("%d (%s)", a.FileCount, FormatBytes(a.TotalBytes)))

	b.section("Layers")
	for _, l := range a.Layers {
		b.line(fmt.Sprintf("%s %s", statusBadge(l.Available, string(l.Layer)), dimStyle.Render(string(l.Reliability))))
	}
	if len(a.Recommendations) > 0 {
		b.section("Recommendations")
		for _, r := range a.Recommendations {
			b.line("→ " + r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RootCause renders a consolidated root-cause report.
func RootCause(r *reasoning.ConsolidatedReport) string {
	var b builder
	b.WriteString(headerStyle.Render(" fixd root cause ") + "\n")
	b.field("Confidence", FormatConfidence(r.Confidence))
	b.section("Causes")
	if len(r.Causes) == 0 {
		b.line(dimStyle.Render("no cause above threshold"))
	}
	for _, c := range r.Causes {
		b.line(fmt.Sprintf("%s %s %s", valueStyle.Render(FormatConfidence(c.Confidence)), c.Description, dimStyle.Render(string(c.Strategy))))
	}
	if len(r.Recommendations) > 0 {
		b.section("Recommendations")
		for _, rec := range r.Recommendations {
			b.line(fmt.Sprintf("[%s] %s", rec.Priority, rec.Action))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Session renders a diagnostic session.
func Session(s *diagnostic.Session) string {
	var b builder
	b.WriteString(headerStyle.Render(" fixd diagnostic "+s.ID+" ") + "\n")
	b.WriteString(statusBadge(s.Status == diagnostic.StatusCompleted, string(s.Status)) + "\n")
	b.field("Problem", s.Problem)

	b.section("Phases")
	done := make(map[diagnostic.Phase]bool)
	for _, p := range s.PhaseResults {
		done[p.Phase] = true
		b.line(fmt.Sprintf("%s %s", healthyStyle.Render(fmt.Sprintf("%d ✓", p.Phase)), p.Summary))
	}
	for _, p := range diagnostic.Phases() {
		if done[p] {
			continue
		}
		if s.Status == diagnostic.StatusFailed && p == s.CurrentPhase+1 {
			b.line(fmt.Sprintf("%s %s", errorStyle.Render(fmt.Sprintf("%d ✗", p)), p))
			continue
		}
		b.line(dimStyle.Render(fmt.Sprintf("%d · %s", p, p)))
	}

	if len(s.Hypotheses) > 0 {
		b.section("Hypotheses")
		for _, h := range s.Hypotheses {
			b.line(fmt.Sprintf("%s %s %s", valueStyle.Render(h.ID), h.Description,
				dimStyle.Render(fmt.Sprintf("score %d", h.Score))))
		}
	}
	if rc := s.RootCause; rc != nil {
		b.section("Root cause")
		if rc.Confirmed {
			b.field("Confirmed", fmt.Sprintf("%s (%s, %d passing tests)", rc.Category, rc.HypothesisID, rc.PassingTests))
		} else {
			b.field("Unconfirmed", string(rc.Category))
		}
		if len(rc.Eliminated) > 0 {
			b.field("Eliminated", strings.Join(rc.Eliminated, ", "))
		}
	}
	if v := s.Validation; v != nil {
		b.section("Validation")
		b.line(statusBadge(v.Resolved, "resolved"))
		for _, p := range v.Prevention {
			b.line("→ " + p.Action)
		}
	}
	if s.Error != "" {
		b.section("Error")
		b.line(errorStyle.Render(s.Error))
	}
	return containerStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func healthLabel(score int) string {
	label := fmt.Sprintf("%d/100", score)
	switch {
	case score >= 75:
		return healthyStyle.Render(label)
	case score >= 50:
		return warningStyle.Render(label)
	default:
		return errorStyle.Render(label)
	}
}
