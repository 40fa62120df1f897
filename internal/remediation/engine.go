package remediation

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"github.com/fyrsmithlabs/fixd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/remediation"

// Config configures the Engine.
type Config struct {
	// DryRun plans fixes without snapshotting or writing.
	DryRun bool

	// MaxRetryAttempts is the bound injected into unbounded retries (default: 3).
	MaxRetryAttempts int
}

// Engine is the Remediation Engine.
type Engine struct {
	config   *Config
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time

	tracer        trace.Tracer
	meter         metric.Meter
	fixCounter    metric.Int64Counter
	rollbackCount metric.Int64Counter
}

// NewEngine creates an engine. A nil registry selects DefaultRegistry.
func NewEngine(cfg *Config, registry *Registry, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if registry == nil {
		registry = DefaultRegistry(cfg.MaxRetryAttempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:   cfg,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	var err error
	e.fixCounter, err = e.meter.Int64Counter(
		"fixd.remediation.fixes_total",
		metric.WithDescription("Total number of fix records by status"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		e.logger.Warn("failed to create fix counter", zap.Error(err))
	}
	e.rollbackCount, err = e.meter.Int64Counter(
		"fixd.remediation.rollbacks_total",
		metric.WithDescription("Total number of remediation attempts rolled back"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		e.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Registry returns the engine's transformation registry.
func (e *Engine) Registry() *Registry { return e.registry }

// DryRun reports whether the engine only plans fixes.
func (e *Engine) DryRun() bool { return e.config.DryRun }

// WithDryRun returns a copy of the engine with dry-run set.
func (e *Engine) WithDryRun(dryRun bool) *Engine {
	cfg := *e.config
	cfg.DryRun = dryRun
	clone := *e
	clone.config = &cfg
	return &clone
}

// Remediate applies transformations for Critical and Warning findings.
//
// The returned report is never nil. A non-nil error means the attempt
// failed: before any write (status failed, nothing modified) or during the
// write phase (status rolled_back, every touched artifact restored).
func (e *Engine) Remediate(ctx context.Context, findings []detector.Finding, store artifact.Store) (*FixReport, error) {
	ctx, span := e.tracer.Start(ctx, "remediation.remediate")
	defer span.End()

	report := &FixReport{
		ID:        uuid.New().String(),
		Timestamp: e.now().UTC(),
		Fixes:     []FixRecord{},
		Changes:   []ArtifactChange{},
		Snapshots: []*artifact.Snapshot{},
	}
	fail := func(status ReportStatus, err error) (*FixReport, error) {
		report.Status = status
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, report)
		return report, err
	}

	actionable := prioritize(findings)
	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.Int("findings.actionable", len(actionable)),
		attribute.Bool("dry_run", e.config.DryRun),
	)
	if len(actionable) == 0 {
		report.Status = ReportNoOp
		return report, nil
	}

	paths := artifactOrder(actionable)
	originals := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := store.Read(ctx, p)
		if err != nil {
			return fail(ReportFailed, fmt.Errorf("reading %s: %w", p, err))
		}
		originals[p] = content
	}

	// Snapshot-all-before-any-write barrier.
	snaps := make(map[string]*artifact.Snapshot, len(paths))
	if !e.config.DryRun {
		for _, p := range paths {
			snap, err := store.Snapshot(ctx, p)
			if err != nil {
				return fail(ReportFailed, fmt.Errorf("%w: %s: %w", ErrSnapshotFailed, p, err))
			}
			if snap.Hash != artifact.Hash(originals[p]) {
				return fail(ReportFailed, fmt.Errorf("%w: %s: %w", ErrSnapshotFailed, p, artifact.ErrSnapshotCorrupt))
			}
			snaps[p] = snap
			report.Snapshots = append(report.Snapshots, snap)
		}
		e.logger.Debug("snapshots taken", zap.Int("artifacts", len(snaps)))
	}

	working := make(map[string]string, len(paths))
	for p, c := range originals {
		working[p] = c
	}
	for _, f := range actionable {
		report.Fixes = append(report.Fixes, e.transform(f, working))
	}

	for _, p := range paths {
		if working[p] == originals[p] {
			continue
		}
		d, err := unifiedDiff(p, originals[p], working[p])
		if err != nil {
			e.logger.Warn("diff rendering failed", zap.String("artifact", p), zap.Error(err))
		}
		change := ArtifactChange{
			Path:       p,
			BeforeHash: artifact.Hash(originals[p]),
			AfterHash:  artifact.Hash(working[p]),
			Diff:       d,
			After:      working[p],
		}
		if s, ok := snaps[p]; ok {
			change.SnapshotID = s.ID
		}
		report.Changes = append(report.Changes, change)
	}
	e.fillHashes(report)

	if e.config.DryRun {
		report.Status = ReportDryRun
		e.record(ctx, report)
		return report, nil
	}
	if len(report.Changes) == 0 {
		report.Status = ReportNoOp
		e.record(ctx, report)
		return report, nil
	}

	// Writes and any rollback run to completion even if ctx is cancelled.
	txCtx := context.WithoutCancel(ctx)
	var touched []string
	for i := range report.Changes {
		change := &report.Changes[i]
		touched = append(touched, change.Path)
		if err := store.Write(txCtx, change.Path, working[change.Path]); err != nil {
			writeErr := fmt.Errorf("%w: %s: %w", ErrWriteFailed, change.Path, err)
			e.logger.Error("write failed, rolling back",
				zap.String("artifact", change.Path),
				zap.Strings("touched", touched),
				zap.Error(err),
			)
			restoreErr := e.rollback(txCtx, store, touched, snaps, report)
			if restoreErr != nil {
				return fail(ReportFailed, errors.Join(writeErr, restoreErr))
			}
			return fail(ReportRolledBack, writeErr)
		}
		change.Written = true
	}

	report.Status = ReportCommitted
	e.record(ctx, report)
	e.logger.Info("remediation committed",
		zap.String("report_id", report.ID),
		zap.Int("artifacts", len(report.Changes)),
		zap.Int("applied", len(report.Applied())),
	)
	return report, nil
}

// transform applies the registered transformation for one finding to the
// in-memory artifact text.
func (e *Engine) transform(f detector.Finding, working map[string]string) FixRecord {
	rec := FixRecord{
		ID:                 uuid.New().String(),
		FindingID:          f.ID,
		Category:           f.Category,
		Severity:           f.Severity,
		Artifact:           f.SourceArtifact,
		TransformationKind: KindPatternReplace,
	}
	t, ok := e.registry.Lookup(f.Category)
	if !ok {
		rec.Status = StatusSkippedNoMatch
		rec.Detail = "no transformation registered for category"
		return rec
	}
	rec.Transformation = t.Name
	rec.Marker = t.Marker

	out, ok := guarded(t, working[f.SourceArtifact], f)
	if !ok {
		rec.Status = StatusSkippedNoMatch
		rec.Detail = "transformation precondition not met"
		e.logger.Debug("transformation skipped",
			zap.String("finding", f.ID),
			zap.String("transformation", t.Name),
		)
		return rec
	}
	working[f.SourceArtifact] = out
	rec.Status = StatusApplied
	if e.config.DryRun {
		rec.Status = StatusPlanned
	}
	return rec
}

// fillHashes stamps artifact-level before/after hashes onto fix records
// that changed their artifact.
func (e *Engine) fillHashes(report *FixReport) {
	byPath := make(map[string]ArtifactChange, len(report.Changes))
	for _, c := range report.Changes {
		byPath[c.Path] = c
	}
	for i := range report.Fixes {
		fix := &report.Fixes[i]
		if fix.Status != StatusApplied && fix.Status != StatusPlanned {
			continue
		}
		if c, ok := byPath[fix.Artifact]; ok {
			fix.BeforeHash = c.BeforeHash
			fix.AfterHash = c.AfterHash
		}
	}
}

// rollback restores the snapshots of every touched artifact and marks
// their fixes failed.
func (e *Engine) rollback(ctx context.Context, store artifact.Store, touched []string, snaps map[string]*artifact.Snapshot, report *FixReport) error {
	var errs []error
	for _, p := range touched {
		snap := snaps[p]
		if _, err := store.Restore(ctx, p, snap.ID); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrRestoreFailed, p, err))
			continue
		}
		for i := range report.Changes {
			if report.Changes[i].Path == p {
				report.Changes[i].Written = false
			}
		}
	}
	for i := range report.Fixes {
		if report.Fixes[i].Status == StatusApplied {
			report.Fixes[i].Status = StatusFailed
			report.Fixes[i].Detail = "rolled back after write failure"
		}
	}
	report.RolledBack = len(errs) == 0
	metrics.Rollbacks.Inc()
	if e.rollbackCount != nil {
		e.rollbackCount.Add(ctx, 1)
	}
	return errors.Join(errs...)
}

func (e *Engine) record(ctx context.Context, report *FixReport) {
	for _, f := range report.Fixes {
		metrics.Fixes.WithLabelValues(string(f.Status)).Inc()
		if e.fixCounter != nil {
			e.fixCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(f.Status))))
		}
	}
}

// prioritize keeps Critical and Warning findings, Critical first, otherwise
// in input order.
func prioritize(findings []detector.Finding) []detector.Finding {
	var out []detector.Finding
	for _, f := range findings {
		if f.Severity == detector.Critical || f.Severity == detector.Warning {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	return out
}

func artifactOrder(findings []detector.Finding) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, f := range findings {
		if !seen[f.SourceArtifact] {
			seen[f.SourceArtifact] = true
			paths = append(paths, f.SourceArtifact)
		}
	}
	return paths
}
