// Package monitor renders the live terminal dashboard of `fixd watch --tui`.
//
// The watcher feeds the model with BatchMsg and ProgressMsg through
// tea.Program.Send; the model samples host resources and fixd counters on
// its own tick.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/report"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxChangedShown = 5
)

// Model is the BubbleTea dashboard model.
type Model struct {
	root       string
	interval   time.Duration
	host       hostinfo.Collector
	gatherer   prometheus.Gatherer
	lastUpdate time.Time
	state      State
	err        error
	quitting   bool

	missionProgress progress.Model
	memoryProgress  progress.Model
}

// State is what the dashboard shows.
type State struct {
	Runs        int
	LastChanged []string
	Analysis    *detector.AnalysisReport
	Mission     *mission.Report
	Stage       *mission.Progress
	Host        hostinfo.Snapshot
	Counters    Counters

	FindingsHistory []float64
	CriticalHistory []float64
}

// BatchMsg reports the outcome of one watch batch. Exactly one of Analysis
// or Mission is normally set.
type BatchMsg struct {
	Changed  []string
	Analysis *detector.AnalysisReport
	Mission  *mission.Report
	Err      error
}

// ProgressMsg forwards a mission state change.
type ProgressMsg mission.Progress

type tickMsg time.Time

type sampleMsg struct {
	host     hostinfo.Snapshot
	counters Counters
	err      error
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

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
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for root. host and gatherer may be nil.
func NewModel(root string, interval time.Duration, host hostinfo.Collector, gatherer prometheus.Gatherer) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		root:     root,
		interval: interval,
		host:     host,
		gatherer: gatherer,
		state: State{
			FindingsHistory: make([]float64, 0, historySize),
			CriticalHistory: make([]float64, 0, historySize),
		},
		missionProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		memoryProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
	}
}

// State returns the current dashboard state.
func (m Model) State() State { return m.state }

// severityBadge colors a finding count by its worst severity.
func severityBadge(s detector.Summary) string {
	switch {
	case s.Critical > 0:
		return errorStyle.Render("✗ CRITICAL")
	case s.Warning > 0:
		return warningStyle.Render("⚠ WARN")
	default:
		return healthyStyle.Render("✓ CLEAN")
	}
}

func missionBadge(r *mission.Report) string {
	switch r.Status {
	case mission.StateCompleted:
		return healthyStyle.Render("✓ " + string(r.Status))
	case mission.StateFailed:
		return errorStyle.Render("✗ " + string(r.Status))
	default:
		return warningStyle.Render("… " + string(r.Status))
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// Init starts the sampling tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		sample(m.host, m.gatherer),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func sample(host hostinfo.Collector, g prometheus.Gatherer) tea.Cmd {
	return func() tea.Msg {
		var msg sampleMsg
		if host != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			msg.host = host.Collect(ctx)
			cancel()
		}
		msg.counters, msg.err = ReadCounters(g)
		return msg
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, sample(m.host, m.gatherer)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			sample(m.host, m.gatherer),
		)

	case sampleMsg:
		m.state.Host = msg.host
		if msg.err == nil {
			m.state.Counters = msg.counters
		}
		return m, nil

	case ProgressMsg:
		p := mission.Progress(msg)
		m.state.Stage = &p
		return m, nil

	case BatchMsg:
		m.state.Runs++
		m.state.LastChanged = msg.Changed
		m.state.Mission = msg.Mission
		m.state.Analysis = msg.Analysis
		if msg.Mission != nil && msg.Mission.Analysis != nil {
			m.state.Analysis = msg.Mission.Analysis
		}
		if a := m.state.Analysis; a != nil {
			m.state.FindingsHistory = appendToHistory(m.state.FindingsHistory, float64(a.Summary.Total))
			m.state.CriticalHistory = appendToHistory(m.state.CriticalHistory, float64(a.Summary.Critical))
		}
		m.state.Stage = nil
		m.err = msg.Err
		m.lastUpdate = time.Now()
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	lastUpdate := "waiting for changes"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" fixd watch ") + "  " + valueStyle.Render(m.root) + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("Runs: %d   Last: %s", m.state.Runs, lastUpdate)) + "\n")

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("⚠ last run failed: ") + m.err.Error() + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Changes") + "\n")
	if len(m.state.LastChanged) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for i, p := range m.state.LastChanged {
		if i == maxChangedShown {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(m.state.LastChanged)-maxChangedShown)) + "\n")
			break
		}
		b.WriteString("  " + p + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Findings") + "\n")
	if a := m.state.Analysis; a != nil {
		b.WriteString(labelStyle.Render("  Total: ") + valueStyle.Render(fmt.Sprintf("%d", a.Summary.Total)) +
			" " + severityBadge(a.Summary) + "   " + createSparkline(m.state.FindingsHistory) + "\n")
		b.WriteString(labelStyle.Render("  Critical: ") + valueStyle.Render(fmt.Sprintf("%d", a.Summary.Critical)) +
			labelStyle.Render("  Warning: ") + valueStyle.Render(fmt.Sprintf("%d", a.Summary.Warning)) +
			labelStyle.Render("  Info: ") + valueStyle.Render(fmt.Sprintf("%d", a.Summary.Info)) +
			"   " + createSparkline(m.state.CriticalHistory) + "\n")
		for i, f := range a.Findings {
			if i == maxChangedShown {
				break
			}
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %-8s %s %s", f.Severity, f.Category, f.SourceArtifact)) + "\n")
		}
	} else {
		b.WriteString(dimStyle.Render("  no scan yet") + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Mission") + "\n")
	switch {
	case m.state.Stage != nil:
		pct := float64(m.state.Stage.Percentage) / 100
		b.WriteString(labelStyle.Render("  Stage: ") + valueStyle.Render(string(m.state.Stage.State)) + "\n")
		b.WriteString(labelStyle.Render("  Progress: ") + m.missionProgress.ViewAs(pct) + "\n")
	case m.state.Mission != nil:
		r := m.state.Mission
		b.WriteString(labelStyle.Render("  Status: ") + missionBadge(r))
		if r.DryRun {
			b.WriteString("  " + dimStyle.Render("dry run"))
		}
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  Fixes: ") + valueStyle.Render(fmt.Sprintf("%d applied, %d planned", r.Summary.Applied, r.Summary.Planned)) + "\n")
		if r.Summary.HealthScore != nil {
			b.WriteString(labelStyle.Render("  Health: ") + valueStyle.Render(fmt.Sprintf("%d/100", *r.Summary.HealthScore)) + "\n")
		}
		if r.Escalation.Recommended {
			b.WriteString(warningStyle.Render("  ⚠ deep diagnostics recommended") + "\n")
		}
	default:
		b.WriteString(dimStyle.Render("  scan only") + "\n")
	}

	c := m.state.Counters
	b.WriteString("\n" + sectionStyle.Render("┃ Totals") + "\n")
	b.WriteString(labelStyle.Render("  Missions: ") + valueStyle.Render(fmt.Sprintf("%.0f", c.Missions)) +
		dimStyle.Render(fmt.Sprintf(" (%.0f failed)", c.MissionsFailed)) +
		labelStyle.Render("  Fixes applied: ") + valueStyle.Render(fmt.Sprintf("%.0f", c.FixesApplied)) +
		labelStyle.Render("  Rollbacks: ") + valueStyle.Render(fmt.Sprintf("%.0f", c.Rollbacks)) + "\n")

	h := m.state.Host
	b.WriteString("\n" + sectionStyle.Render("┃ System") + "\n")
	if h.MemoryKnown() {
		b.WriteString(labelStyle.Render("  Memory: ") + m.memoryProgress.ViewAs(h.MemoryPercent/100) +
			" " + dimStyle.Render(fmt.Sprintf("%s / %s", report.FormatBytes(int64(h.MemoryUsed)), report.FormatBytes(int64(h.MemoryTotal)))) + "\n")
	}
	b.WriteString(labelStyle.Render("  Goroutines: ") + valueStyle.Render(fmt.Sprintf("%d", h.Goroutines)) +
		labelStyle.Render("  Heap: ") + valueStyle.Render(report.FormatBytes(int64(h.HeapAlloc))) + "\n")

	b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}
