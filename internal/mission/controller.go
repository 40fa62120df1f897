package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/events"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/metrics"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/mission"

// Config controls the mission pipeline.
type Config struct {
	// DryRun plans fixes without writing artifacts.
	DryRun bool

	// AuditEnabled runs the auditing stage for requests with a SessionRef.
	AuditEnabled bool

	// AutoEscalate runs deep diagnostics when escalation is recommended.
	AutoEscalate bool

	// Syntax enables tree-sitter checks in the verifying stage.
	Syntax bool

	// Timeout bounds a whole mission. Zero means no limit.
	Timeout time.Duration
}

// Progress reports a state change.
type Progress struct {
	MissionID  string `json:"mission_id"`
	State      State  `json:"state"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressFunc receives progress updates.
type ProgressFunc func(Progress)

// Controller is the Mission Controller.
type Controller struct {
	config     *Config
	scanner    *detector.Scanner
	remediator *remediation.Engine
	verifier   *verify.Verifier
	auditor    *audit.Auditor
	diagnostic *diagnostic.Machine
	publisher  events.Publisher
	progress   ProgressFunc
	logger     *zap.Logger
	now        func() time.Time

	tracer       trace.Tracer
	meter        metric.Meter
	missionCount metric.Int64Counter
}

// Option configures a Controller.
type Option func(*Controller)

// WithVerifier replaces the default verifier.
func WithVerifier(v *verify.Verifier) Option {
	return func(c *Controller) { c.verifier = v }
}

// WithAuditor enables the auditing stage.
func WithAuditor(a *audit.Auditor) Option {
	return func(c *Controller) { c.auditor = a }
}

// WithDiagnostics sets the machine used for automatic escalation.
func WithDiagnostics(m *diagnostic.Machine) Option {
	return func(c *Controller) { c.diagnostic = m }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Controller) { c.progress = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller. A nil remediator selects a default
// engine.
func NewController(cfg *Config, scanner *detector.Scanner, remediator *remediation.Engine, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if scanner == nil {
		return nil, errors.New("mission controller requires a scanner")
	}
	if cfg == nil {
		cfg = &Config{DryRun: true, AuditEnabled: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if remediator == nil {
		remediator = remediation.NewEngine(nil, nil, logger)
	}

	c := &Controller{
		config:     cfg,
		scanner:    scanner,
		remediator: remediator,
		publisher:  events.Noop{},
		logger:     logger,
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = verify.NewVerifier(&verify.Config{Syntax: cfg.Syntax}, logger)
	}

	var err error
	c.missionCount, err = c.meter.Int64Counter(
		"fixd.mission.runs_total",
		metric.WithDescription("Total number of mission runs"),
		metric.WithUnit("{mission}"),
	)
	if err != nil {
		logger.Warn("failed to create mission counter", zap.Error(err))
	}
	return c, nil
}

// run is the state of one mission.
type run struct {
	dryRun    bool
	state     State
	started   time.Time
	artifacts map[string]string
	report    *Report
}

// Run executes a mission. On failure the partial report is returned along
// with a *StageError.
func (c *Controller) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Store == nil {
		return nil, ErrNoStore
	}
	id := req.ID
	if id == "" {
		id = ulid.Make().String()
	}
	ctx = logging.WithMissionID(ctx, id)
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	dryRun := c.config.DryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	ctx, span := c.tracer.Start(ctx, "mission.run", trace.WithAttributes(
		attribute.String("mission.id", id),
		attribute.Bool("mission.dry_run", dryRun),
	))
	defer span.End()

	metrics.MissionsActive.Inc()
	defer metrics.MissionsActive.Dec()

	now := c.now()
	r := &run{
		dryRun:  dryRun,
		state:   StateIdle,
		started: now,
		report: &Report{
			ID:              id,
			Name:            req.Name,
			Status:          StateIdle,
			Timestamp:       now.UTC(),
			DryRun:          dryRun,
			Stages:          []StageRecord{},
			Recommendations: []string{},
		},
	}
	c.logger.Info("mission started", logging.Fields(ctx,
		zap.String("name", req.Name),
		zap.Bool("dry_run", dryRun),
	)...)

	stages := []struct {
		state State
		fn    func(context.Context, *run, Request) error
		skip  bool
	}{
		{StateScanning, c.scan, false},
		{StateRemediating, c.remediate, false},
		{StateVerifying, c.verify, false},
		{StateAuditing, c.audit, !c.auditing(req)},
	}
	for i, st := range stages {
		if st.skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, span, r, st.state, err)
		}
		if err := c.transition(ctx, r, st.state, i*100/len(stages)); err != nil {
			return c.fail(ctx, span, r, st.state, err)
		}
		started := c.now()
		if err := st.fn(ctx, r, req); err != nil {
			return c.fail(ctx, span, r, st.state, err)
		}
		r.report.Stages = append(r.report.Stages, StageRecord{
			Stage:       st.state,
			StartedAt:   started.UTC(),
			CompletedAt: c.now().UTC(),
		})
	}

	// Escalation runs only after every stage succeeded; its outcome never
	// changes the mission status.
	r.report.Escalation = escalation(r.report, req.Problem)
	if r.report.Escalation.Recommended && c.config.AutoEscalate && c.diagnostic != nil {
		c.escalate(ctx, r)
	}

	if err := c.transition(ctx, r, StateCompleted, 100); err != nil {
		return c.fail(ctx, span, r, StateCompleted, err)
	}
	r.report.FinishedAt = c.now().UTC()
	r.report.Summary = summarize(r.report)
	r.report.Recommendations = recommendations(r.report)

	c.finish(ctx, r, "completed")
	span.SetAttributes(
		attribute.Int("mission.findings", r.report.Summary.Findings),
		attribute.Int("mission.fixes", r.report.Summary.Fixes),
		attribute.Int("mission.warnings", r.report.Summary.VerificationWarnings),
	)
	c.logger.Info("mission completed", logging.Fields(ctx,
		zap.Int("findings", r.report.Summary.Findings),
		zap.Int("fixes", r.report.Summary.Fixes),
		zap.Int("warnings", r.report.Summary.VerificationWarnings),
		zap.Bool("escalate", r.report.Escalation.Recommended),
		zap.Duration("duration", r.report.Duration()),
	)...)
	return r.report, nil
}

func (c *Controller) auditing(req Request) bool {
	return c.config.AuditEnabled && c.auditor != nil && req.SessionRef != ""
}

func (c *Controller) transition(ctx context.Context, r *run, to State, pct int) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, to)
	}
	r.state = to
	r.report.Status = to
	c.logger.Debug("mission state", logging.Fields(ctx, zap.String("state", string(to)))...)
	if c.progress != nil {
		c.progress(Progress{
			MissionID:  r.report.ID,
			State:      to,
			Message:    fmt.Sprintf("mission %s", to),
			Percentage: pct,
		})
	}
	c.emit(ctx, r, "")
	return nil
}

func (c *Controller) scan(ctx context.Context, r *run, req Request) error {
	files, err := artifact.ReadAll(ctx, req.Store)
	if err != nil {
		return err
	}
	r.artifacts = files
	r.report.Analysis = c.scanner.Scan(ctx, files)
	return nil
}

func (c *Controller) remediate(ctx context.Context, r *run, req Request) error {
	fix, err := c.remediator.WithDryRun(r.dryRun).Remediate(ctx, r.report.Analysis.Findings, req.Store)
	r.report.Fix = fix
	if fix != nil {
		r.report.RolledBack = fix.RolledBack
	}
	return err
}

func (c *Controller) verify(ctx context.Context, r *run, req Request) error {
	v, err := c.verifier.Verify(ctx, r.report.Fix, req.Store)
	r.report.Verification = v
	return err
}

func (c *Controller) audit(ctx context.Context, r *run, req Request) error {
	a, err := c.auditor.Audit(ctx, req.SessionRef)
	if err != nil {
		return err
	}
	r.report.Audit = a
	return nil
}

// escalate runs deep diagnostics and attaches the session. A failed
// diagnostic session is recorded on the escalation, not on the mission.
func (c *Controller) escalate(ctx context.Context, r *run) {
	esc := &r.report.Escalation
	session, err := c.diagnostic.Run(ctx, esc.Problem, r.artifacts)
	r.report.Diagnostic = session
	if session != nil {
		esc.SessionID = session.ID
	}
	if err != nil {
		esc.Error = err.Error()
		c.logger.Warn("escalated diagnostic session failed", logging.Fields(ctx, zap.Error(err))...)
		return
	}
	c.logger.Info("escalated to deep diagnostics", logging.Fields(ctx,
		zap.String("diagnostic_session", esc.SessionID),
		zap.Strings("reasons", esc.Reasons),
	)...)
}

func (c *Controller) fail(ctx context.Context, span trace.Span, r *run, stage State, err error) (*Report, error) {
	completed := r.report.Completed()
	r.state = StateFailed
	rep := r.report
	rep.Status = StateFailed
	rep.Partial = true
	rep.FailedStage = stage
	rep.Error = err.Error()
	rep.FinishedAt = c.now().UTC()
	rep.Escalation = escalation(rep, "")
	rep.Summary = summarize(rep)
	rep.Recommendations = recommendations(rep)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.finish(ctx, r, "failed")
	c.emit(ctx, r, err.Error())
	if c.progress != nil {
		c.progress(Progress{MissionID: rep.ID, State: StateFailed, Message: rep.Summary.Recommendation})
	}
	c.logger.Error("mission failed", logging.Fields(ctx,
		zap.String("stage", string(stage)),
		zap.Bool("rolled_back", rep.RolledBack),
		zap.Error(err),
	)...)
	return rep, &StageError{Stage: stage, Completed: completed, RolledBack: rep.RolledBack, Err: err}
}

func (c *Controller) finish(ctx context.Context, r *run, status string) {
	metrics.ObserveMission(status, c.now().Sub(r.started))
	if c.missionCount != nil {
		c.missionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (c *Controller) emit(ctx context.Context, r *run, errMsg string) {
	ev := events.Event{
		Kind:      "mission",
		MissionID: r.report.ID,
		State:     string(r.state),
		Error:     errMsg,
		Timestamp: c.now().UTC(),
	}
	if r.report.Diagnostic != nil {
		ev.SessionID = r.report.Diagnostic.ID
	}
	events.Emit(context.WithoutCancel(ctx), c.publisher, c.logger, ev)
}
