package diagnostic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/events"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/metrics"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/diagnostic"

// Config configures the Machine.
type Config struct {
	// MaxHypotheses is how many hypotheses get tests (default: 3).
	MaxHypotheses int

	// RecentChanges is how many commits to inspect (default: 10).
	RecentChanges int

	// RepoRoot is the directory used for recent-change lookup. Empty skips it.
	RepoRoot string

	// Apply writes fixes through the artifact store instead of planning them.
	Apply bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithRemediator sets the remediation engine used by solution_implementation.
func WithRemediator(e *remediation.Engine) Option {
	return func(m *Machine) { m.remediator = e }
}

// WithSessionLog persists sessions to l.
func WithSessionLog(l sessionlog.Log) Option {
	return func(m *Machine) { m.log = l }
}

// WithHostCollector sets the resource snapshot source for checkpoints.
func WithHostCollector(c hostinfo.Collector) Option {
	return func(m *Machine) { m.host = c }
}

// WithStore sets the artifact store fixes are applied to when Config.Apply
// is set.
func WithStore(s artifact.Store) Option {
	return func(m *Machine) { m.store = s }
}

// WithPublisher publishes phase events through p.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine runs diagnostic sessions. It is safe for concurrent use; every
// Run owns its Session exclusively.
type Machine struct {
	config     *Config
	scanner    *detector.Scanner
	reasoner   *reasoning.Engine
	remediator *remediation.Engine
	log        sessionlog.Log
	host       hostinfo.Collector
	store      artifact.Store
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time

	tracer       trace.Tracer
	meter        metric.Meter
	sessionCount metric.Int64Counter
}

// NewMachine creates a state machine. scanner and reasoner are required.
func NewMachine(cfg *Config, scanner *detector.Scanner, reasoner *reasoning.Engine, logger *zap.Logger, opts ...Option) (*Machine, error) {
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("reasoning engine is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxHypotheses <= 0 {
		cfg.MaxHypotheses = 3
	}
	if cfg.RecentChanges <= 0 {
		cfg.RecentChanges = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Machine{
		config:    cfg,
		scanner:   scanner,
		reasoner:  reasoner,
		logger:    logger,
		now:       time.Now,
		publisher: events.Noop{},
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.remediator == nil {
		m.remediator = remediation.NewEngine(nil, nil, logger)
	}
	if m.log == nil {
		m.log = sessionlog.NewMemoryLog()
	}
	if m.host == nil {
		m.host = hostinfo.NewCollector()
	}

	var err error
	m.sessionCount, err = m.meter.Int64Counter(
		"fixd.diagnostic.sessions_total",
		metric.WithDescription("Total number of diagnostic sessions by status"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		logger.Warn("failed to create session counter", zap.Error(err))
	}
	return m, nil
}

// Log returns the session log.
func (m *Machine) Log() sessionlog.Log { return m.log }

// run is the per-session working state.
type run struct {
	session   *Session
	artifacts map[string]string
	rescan    *detector.AnalysisReport
}

// Run drives a new session through all eight phases.
//
// On failure the returned session has status failed and holds every phase
// and checkpoint completed before the failure; the error is a *PhaseError.
// Cancellation is checked between phases.
func (m *Machine) Run(ctx context.Context, problem string, artifacts map[string]string) (*Session, error) {
	if strings.TrimSpace(problem) == "" {
		return nil, ErrEmptyProblem
	}

	s := &Session{
		ID:           uuid.New().String(),
		Problem:      strings.TrimSpace(problem),
		Status:       StatusInProgress,
		PhaseResults: []PhaseResult{},
		Checkpoints:  []Checkpoint{},
		StartedAt:    m.now().UTC(),
	}
	ctx = logging.WithSessionID(ctx, s.ID)
	ctx, span := m.tracer.Start(ctx, "diagnostic.run", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int("artifacts", len(artifacts)),
	))
	defer span.End()

	r := &run{session: s, artifacts: copyArtifacts(artifacts)}

	if err := m.log.Create(ctx, sessionlog.SessionRecord{ID: s.ID, Problem: s.Problem, CreatedAt: s.StartedAt}); err != nil {
		return m.fail(ctx, span, s, PhaseProblemScope, fmt.Errorf("creating session record: %w", err))
	}
	m.logger.Info("diagnostic session started", logging.Fields(ctx, zap.Int("artifacts", len(artifacts)))...)

	for _, phase := range Phases() {
		if err := ctx.Err(); err != nil {
			return m.fail(ctx, span, s, phase, err)
		}
		if err := m.step(ctx, r, phase); err != nil {
			return m.fail(ctx, span, s, phase, err)
		}
	}

	now := m.now().UTC()
	s.Status = StatusCompleted
	s.FinishedAt = &now
	if err := m.log.Finish(context.WithoutCancel(ctx), s.ID, sessionlog.StatusCompleted, ""); err != nil {
		m.logger.Warn("failed to finish session record", logging.Fields(ctx, zap.Error(err))...)
	}
	m.count(ctx, s.Status)
	events.Emit(ctx, m.publisher, m.logger, events.Event{Kind: "diagnostic", SessionID: s.ID, State: string(s.Status)})
	m.logger.Info("diagnostic session completed", logging.Fields(ctx,
		zap.String("root_cause", string(s.RootCause.Category)),
		zap.Bool("confirmed", s.RootCause.Confirmed),
	)...)
	return s, nil
}

// step runs one phase between its two checkpoints and persists the result.
func (m *Machine) step(ctx context.Context, r *run, phase Phase) error {
	ctx = logging.WithPhase(ctx, phase.String())
	ctx, span := m.tracer.Start(ctx, "diagnostic.phase", trace.WithAttributes(
		attribute.String("phase", phase.String()),
		attribute.Int("phase.number", int(phase)),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.DiagnosticPhases.WithLabelValues(phase.String(), "error").Inc()
		return err
	}

	if phase != r.session.CurrentPhase+1 {
		return fail(fmt.Errorf("%w: %s after %s", ErrInvalidTransition, phase, r.session.CurrentPhase))
	}
	// Cancellation is honoured between phases only; records of a phase
	// that ran are always written.
	logCtx := context.WithoutCancel(ctx)

	if err := m.checkpoint(logCtx, r.session, phase, Before); err != nil {
		return fail(err)
	}
	started := m.now().UTC()
	summary, output, err := m.execute(ctx, r, phase)
	if err != nil {
		return fail(err)
	}
	result := PhaseResult{
		Phase:       phase,
		Name:        phase.String(),
		Summary:     summary,
		StartedAt:   started,
		CompletedAt: m.now().UTC(),
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fail(fmt.Errorf("encoding %s result: %w", phase, err))
	}
	if err := m.log.AppendPhase(logCtx, sessionlog.PhaseRecord{
		SessionID:   r.session.ID,
		Phase:       int(phase),
		Name:        phase.String(),
		Result:      data,
		CompletedAt: result.CompletedAt,
	}); err != nil {
		return fail(fmt.Errorf("persisting %s: %w", phase, err))
	}
	if err := r.session.complete(result); err != nil {
		return fail(err)
	}
	if err := m.checkpoint(logCtx, r.session, phase, After); err != nil {
		return fail(err)
	}

	metrics.DiagnosticPhases.WithLabelValues(phase.String(), "ok").Inc()
	events.Emit(ctx, m.publisher, m.logger, events.Event{
		Kind:      "diagnostic",
		SessionID: r.session.ID,
		Phase:     phase.String(),
		State:     "completed",
		Attrs:     map[string]string{"summary": summary},
	})
	m.logger.Debug("diagnostic phase completed", logging.Fields(ctx, zap.String("summary", summary))...)
	return nil
}

func (m *Machine) execute(ctx context.Context, r *run, phase Phase) (string, any, error) {
	switch phase {
	case PhaseProblemScope:
		return m.problemScope(r)
	case PhaseInformationGathering:
		return m.informationGathering(ctx, r)
	case PhaseHypothesisGeneration:
		return m.hypothesisGeneration(r)
	case PhaseTestDesign:
		return m.testDesign(r)
	case PhaseSystematicTesting:
		return m.systematicTesting(ctx, r)
	case PhaseRootCauseID:
		return m.rootCauseID(ctx, r)
	case PhaseSolutionImplementation:
		return m.solutionImplementation(ctx, r)
	case PhaseValidationAndPrevention:
		return m.validationAndPrevention(ctx, r)
	default:
		return "", nil, fmt.Errorf("%w: unknown phase %d", ErrInvalidTransition, int(phase))
	}
}

func (m *Machine) checkpoint(ctx context.Context, s *Session, phase Phase, position string) error {
	cp := Checkpoint{
		Name:      fmt.Sprintf("%s-%s", phase, position),
		Phase:     phase,
		Position:  position,
		TakenAt:   m.now().UTC(),
		Resources: m.host.Collect(ctx),
	}
	resources, err := json.Marshal(cp.Resources)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := m.log.AppendCheckpoint(ctx, sessionlog.CheckpointRecord{
		SessionID: s.ID,
		Name:      cp.Name,
		Phase:     int(phase),
		Position:  position,
		TakenAt:   cp.TakenAt,
		Resources: resources,
	}); err != nil {
		return fmt.Errorf("persisting checkpoint %s: %w", cp.Name, err)
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	return nil
}

// fail marks the session failed and wraps err in a PhaseError.
func (m *Machine) fail(ctx context.Context, span trace.Span, s *Session, phase Phase, err error) (*Session, error) {
	now := m.now().UTC()
	s.Status = StatusFailed
	s.Error = err.Error()
	s.FinishedAt = &now

	perr := &PhaseError{SessionID: s.ID, Phase: phase, Completed: s.Completed(), Err: err}
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Error())

	if ferr := m.log.Finish(context.WithoutCancel(ctx), s.ID, sessionlog.StatusFailed, err.Error()); ferr != nil {
		m.logger.Warn("failed to finish session record", logging.Fields(ctx, zap.Error(ferr))...)
	}
	m.count(ctx, s.Status)
	events.Emit(context.WithoutCancel(ctx), m.publisher, m.logger, events.Event{
		Kind:      "diagnostic",
		SessionID: s.ID,
		State:     string(s.Status),
		Error:     err.Error(),
		Attrs:     map[string]string{"failed_phase": phase.String()},
	})
	m.logger.Error("diagnostic session failed", logging.Fields(ctx,
		zap.String("failed_phase", phase.String()),
		zap.Int("completed_phases", len(s.PhaseResults)),
		zap.Error(err),
	)...)
	return s, perr
}

func (m *Machine) count(ctx context.Context, status Status) {
	if m.sessionCount != nil {
		m.sessionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (m *Machine) problemScope(r *run) (string, any, error) {
	scope := &Scope{
		Statement:  r.session.Problem,
		Keywords:   learning.Tokens(r.session.Problem),
		Categories: keywordCategories(r.session.Problem),
		Artifacts:  sortedPaths(r.artifacts),
	}
	if scope.Categories == nil {
		scope.Categories = []detector.Category{}
	}
	r.session.Scope = scope
	return fmt.Sprintf("%d artifact(s), %d implied categor(ies)", len(scope.Artifacts), len(scope.Categories)), scope, nil
}

func (m *Machine) informationGathering(ctx context.Context, r *run) (string, any, error) {
	info := &Information{
		Analysis: m.scanner.Scan(ctx, r.artifacts),
		Host:     m.host.Collect(ctx),
	}
	if m.config.RepoRoot != "" {
		repo, err := artifact.RecentChanges(ctx, m.config.RepoRoot, m.config.RecentChanges)
		if err != nil {
			// best-effort
			info.Notes = append(info.Notes, "recent changes unavailable: "+err.Error())
		} else {
			info.Repository = repo
			info.ChangedFiles = changedArtifacts(repo, r.artifacts)
		}
	}
	if len(info.Host.Errors) > 0 {
		info.Notes = append(info.Notes, info.Host.Errors...)
	}
	r.session.Information = info

	changes := 0
	if info.Repository != nil {
		changes = len(info.Repository.Changes)
	}
	return fmt.Sprintf("%d finding(s), %d recent change(s), host elevated=%t",
		len(info.Analysis.Findings), changes, info.Host.Elevated()), info, nil
}

func (m *Machine) hypothesisGeneration(r *run) (string, any, error) {
	registry := m.remediator.Registry()
	hyps := generateHypotheses(r.session.Scope, r.session.Information, func(c detector.Category) bool {
		_, ok := registry.Lookup(c)
		return ok
	})
	r.session.Hypotheses = hyps
	return fmt.Sprintf("%d hypothes(es), top %s score %d", len(hyps), hyps[0].Category, hyps[0].Score), hyps, nil
}

func (m *Machine) testDesign(r *run) (string, any, error) {
	tests := designTests(r.session.Hypotheses, m.config.MaxHypotheses)
	r.session.Tests = tests
	return fmt.Sprintf("%d test(s) for %d hypothes(es)", len(tests), len(tests)/2), tests, nil
}

func (m *Machine) systematicTesting(ctx context.Context, r *run) (string, any, error) {
	r.rescan = m.scanner.Scan(ctx, r.artifacts)
	order := executeTests(r.session.Tests, r.rescan, len(r.artifacts))
	r.session.Testing = &Testing{Order: order, Rescan: r.rescan.Summary}

	passed := 0
	for _, t := range r.session.Tests {
		if t.Status == TestPassed {
			passed++
		}
	}
	out := struct {
		*Testing
		Tests []Test `json:"tests"`
	}{r.session.Testing, r.session.Tests}
	return fmt.Sprintf("%d of %d test(s) passed", passed, len(r.session.Tests)), out, nil
}

func (m *Machine) rootCauseID(ctx context.Context, r *run) (string, any, error) {
	rc := identify(r.session.Hypotheses, r.session.Tests)

	problem := reasoning.Problem{Statement: r.session.Problem}
	if rc.Confirmed {
		rc.Findings = r.rescan.FindingsByCategory[rc.Category]
		if len(rc.Findings) > 0 {
			fromFinding := reasoning.ProblemFromFinding(rc.Findings[0])
			problem.Components = fromFinding.Components
			for _, f := range rc.Findings {
				problem.Context = append(problem.Context, f.Evidence.Match)
			}
		}
	}
	analysis, err := m.reasoner.Analyze(ctx, problem)
	if err != nil {
		return "", nil, fmt.Errorf("root cause analysis: %w", err)
	}
	rc.Analysis = analysis
	r.session.RootCause = &rc

	if !rc.Confirmed {
		return fmt.Sprintf("no hypothesis confirmed; leading candidate %s", rc.Category), rc, nil
	}
	return fmt.Sprintf("%s confirmed by %d passing test(s), %d eliminated", rc.Category, rc.PassingTests, len(rc.Eliminated)), rc, nil
}

func (m *Machine) solutionImplementation(ctx context.Context, r *run) (string, any, error) {
	rc := r.session.RootCause
	sol := &Solution{}
	r.session.Solution = sol
	if !rc.Confirmed || len(rc.Findings) == 0 {
		sol.Skipped = "root cause not confirmed by tests"
		return sol.Skipped, sol, nil
	}

	var (
		fix *remediation.FixReport
		err error
	)
	if m.config.Apply {
		if m.store == nil {
			return "", nil, ErrNoStore
		}
		fix, err = m.remediator.WithDryRun(false).Remediate(ctx, rc.Findings, m.store)
		sol.Applied = err == nil && fix.Status == remediation.ReportCommitted
	} else {
		fix, err = m.remediator.WithDryRun(true).Remediate(ctx, rc.Findings, artifact.NewMemoryStore(r.artifacts))
	}
	sol.Fix = fix
	if err != nil {
		return "", nil, fmt.Errorf("implementing solution: %w", err)
	}

	counts := fix.Counts()
	return fmt.Sprintf("fix report %s: %d applied, %d planned, %d skipped",
		fix.Status, counts[remediation.StatusApplied], counts[remediation.StatusPlanned],
		counts[remediation.StatusSkippedNoMatch]), sol, nil
}

func (m *Machine) validationAndPrevention(ctx context.Context, r *run) (string, any, error) {
	rc := r.session.RootCause
	post := copyArtifacts(r.artifacts)
	if fix := r.session.Solution.Fix; fix != nil {
		for _, c := range fix.Changes {
			post[c.Path] = c.After
		}
	}
	rescan := m.scanner.Scan(ctx, post)

	v := &Validation{
		Remaining:  rescan.Summary,
		Prevention: []reasoning.Recommendation{},
	}
	v.Resolved = rc.Confirmed && r.session.Solution.Fix != nil && !rescan.HasCategory(rc.Category)
	if rc.Analysis != nil {
		v.Prevention = append(v.Prevention, rc.Analysis.Recommendations...)
	}

	if rc.Confirmed && rc.Analysis != nil && m.reasoner.Learning() != nil {
		if primary, ok := rc.Analysis.Primary(); ok {
			err := m.reasoner.RecordOutcome(ctx, rc.Analysis.Problem, primary, v.Resolved)
			if err != nil {
				m.logger.Warn("failed to record outcome", logging.Fields(ctx, zap.Error(err))...)
			} else {
				v.OutcomeRecorded = true
			}
		}
	}
	r.session.Validation = v
	return fmt.Sprintf("resolved=%t, %d finding(s) remain, %d prevention action(s)",
		v.Resolved, v.Remaining.Total, len(v.Prevention)), v, nil
}

func copyArtifacts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for p, c := range in {
		out[p] = c
	}
	return out
}

func sortedPaths(artifacts map[string]string) []string {
	out := make([]string, 0, len(artifacts))
	for p := range artifacts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// changedArtifacts lists artifacts touched by the recent commits.
func changedArtifacts(repo *artifact.RepoInfo, artifacts map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range repo.Changes {
		for _, f := range c.Files {
			if _, ok := artifacts[f]; ok && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
