package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/config"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/events"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/ignore"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/report"
	"github.com/fyrsmithlabs/fixd/internal/secrets"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
	"github.com/fyrsmithlabs/fixd/internal/telemetry"
)

// app holds the shared dependencies of one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	host      hostinfo.Collector
	publisher events.Publisher
	learning  learning.Store
	sessions  sessionlog.Log
	reports   *report.Store
}

// newApp loads configuration and opens every shared resource. Optional
// backends that fail to open degrade to in-memory equivalents with a
// warning. Overrides run after loading, before anything is opened.
func newApp(ctx context.Context, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(config.Options{ConfigPath: configPath, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	for _, o := range overrides {
		o(cfg)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	l, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := l.Underlying()

	a := &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		host:      hostinfo.NewCollector(),
		publisher: events.Noop{},
	}

	if cfg.Events.Enabled {
		p, err := events.Connect(events.Options{
			URL:    cfg.Events.URL,
			Token:  cfg.Events.Token.Value(),
			Prefix: cfg.Events.Subject,
		}, logger)
		if err != nil {
			logger.Warn("event publishing disabled", zap.Error(err))
		} else {
			a.publisher = p
		}
	}

	dataDir := config.ExpandHome(cfg.Storage.DataDir)
	a.learning = a.openLearning(dataDir)
	a.sessions = a.openSessions(dataDir)

	var storeOpts []report.StoreOption
	if cfg.Storage.Redact {
		redactor, rerr := secrets.New()
		if rerr != nil {
			a.Close(ctx)
			return nil, rerr
		}
		storeOpts = append(storeOpts, report.WithRedactor(redactor))
	}
	a.reports, err = report.NewStore(cfg.Storage.ReportsDir, logger, storeOpts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openLearning(dataDir string) learning.Store {
	if a.cfg.Reasoning.LearningBackend != "chromem" {
		return learning.NewMemoryStore(0)
	}
	store, err := learning.NewChromemStore(learning.ChromemConfig{
		Path:     filepath.Join(dataDir, "learning"),
		Compress: true,
	}, a.logger)
	if err != nil {
		a.logger.Warn("chromem learning store unavailable, using memory", zap.Error(err))
		return learning.NewMemoryStore(0)
	}
	return store
}

func (a *app) openSessions(dataDir string) sessionlog.Log {
	if a.cfg.Diagnostic.SessionStore != "sqlite" {
		return sessionlog.NewMemoryLog()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		a.logger.Warn("session log directory unavailable, using memory", zap.Error(err))
		return sessionlog.NewMemoryLog()
	}
	log, err := sessionlog.OpenSQLite(filepath.Join(dataDir, "sessions.db"), a.logger)
	if err != nil {
		a.logger.Warn("sqlite session log unavailable, using memory", zap.Error(err))
		return sessionlog.NewMemoryLog()
	}
	return log
}

// Close releases every resource, flushing telemetry last.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.sessions != nil {
		errs = append(errs, a.sessions.Close())
	}
	if a.learning != nil {
		errs = append(errs, a.learning.Close())
	}
	errs = append(errs, a.publisher.Close())
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing resources", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// openStore opens root as an artifact store honoring ignore files and the
// detector's extension and size limits.
func (a *app) openStore(root string, readOnly bool) (*artifact.FSStore, error) {
	matcher, err := ignore.NewParser().Load(root)
	if err != nil {
		return nil, fmt.Errorf("loading ignore files: %w", err)
	}
	opts := []artifact.FSOption{
		artifact.WithMatcher(matcher),
		artifact.WithExtensions(a.cfg.Detector.Extensions...),
		artifact.WithMaxFileSize(a.cfg.Detector.MaxFileSizeKB * 1024),
		artifact.WithLogger(a.logger),
	}
	if readOnly {
		opts = append(opts, artifact.ReadOnly())
	}
	return artifact.NewFSStore(root, opts...)
}

// scanner builds a detector with configured rule packs and the project's
// secret allowlist.
func (a *app) scanner(root string) (*detector.Scanner, error) {
	rules, err := detector.LoadRulePacks(a.cfg.Detector.RulePacks)
	if err != nil {
		return nil, err
	}
	var opts []detector.Option
	if a.cfg.Detector.SecretScanning {
		allow, err := detector.LoadAllowlists(root, "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, detector.WithSecretDetector(detector.NewGitleaksDetector(allow)))
	}
	return detector.NewScanner(&detector.Config{
		MinConfidence:  a.cfg.Detector.MinConfidence,
		SecretScanning: a.cfg.Detector.SecretScanning,
		Rules:          rules,
	}, a.logger, opts...)
}

func (a *app) reasoner() *reasoning.Engine {
	return reasoning.NewEngine(&reasoning.Config{
		MinConfidence:  a.cfg.Reasoning.MinConfidence,
		FishboneCutoff: a.cfg.Reasoning.FishboneCutoff,
	}, a.learning, a.logger)
}

func (a *app) remediator() *remediation.Engine {
	return remediation.NewEngine(&remediation.Config{
		DryRun:           a.cfg.Remediation.DryRun,
		MaxRetryAttempts: a.cfg.Remediation.MaxRetryAttempts,
	}, nil, a.logger)
}

func (a *app) auditor() *audit.Auditor {
	return audit.NewAuditor(&audit.Config{
		ArtifactSizeBytes: a.cfg.Audit.ArtifactSizeKB * 1024,
		TotalVolumeBytes:  a.cfg.Audit.TotalVolumeMB * 1024 * 1024,
		HealthMin:         a.cfg.Audit.HealthMin,
		MaxFiles:          a.cfg.Audit.MaxFiles,
	}, a.host, a.logger)
}

// machine builds a diagnostic machine. With a store and apply set, the
// solution phase writes fixes through store.
func (a *app) machine(scanner *detector.Scanner, repoRoot string, store artifact.Store, apply bool) (*diagnostic.Machine, error) {
	opts := []diagnostic.Option{
		diagnostic.WithSessionLog(a.sessions),
		diagnostic.WithHostCollector(a.host),
		diagnostic.WithPublisher(a.publisher),
		diagnostic.WithRemediator(a.remediator()),
	}
	if store != nil {
		opts = append(opts, diagnostic.WithStore(store))
	}
	return diagnostic.NewMachine(&diagnostic.Config{
		MaxHypotheses: a.cfg.Diagnostic.MaxHypotheses,
		RecentChanges: a.cfg.Diagnostic.RecentChanges,
		RepoRoot:      repoRoot,
		Apply:         apply && store != nil,
	}, scanner, a.reasoner(), a.logger, opts...)
}

// controller builds a mission controller. machine may be nil.
func (a *app) controller(scanner *detector.Scanner, machine *diagnostic.Machine, progress mission.ProgressFunc) (*mission.Controller, error) {
	opts := []mission.Option{
		mission.WithAuditor(a.auditor()),
		mission.WithPublisher(a.publisher),
	}
	if machine != nil {
		opts = append(opts, mission.WithDiagnostics(machine))
	}
	if progress != nil {
		opts = append(opts, mission.WithProgress(progress))
	}
	return mission.NewController(&mission.Config{
		DryRun:       a.cfg.Remediation.DryRun,
		AuditEnabled: a.cfg.Mission.AuditEnabled,
		AutoEscalate: a.cfg.Mission.AutoEscalate,
		Syntax:       a.cfg.Mission.SyntaxCheck,
		Timeout:      a.cfg.Mission.Timeout.Duration(),
	}, scanner, a.remediator(), a.logger, opts...)
}

// serviceSet is the component set shared by the serve and mcp commands.
type serviceSet struct {
	scanner  *detector.Scanner
	missions *mission.Controller
	machine  *diagnostic.Machine
	auditor  *audit.Auditor
	reasoner *reasoning.Engine
}

// services builds long-lived components for root. Artifacts arrive with
// each request, so diagnostics never write through a store.
func (a *app) services(root string) (*serviceSet, error) {
	scanner, err := a.scanner(root)
	if err != nil {
		return nil, err
	}
	machine, err := a.machine(scanner, root, nil, false)
	if err != nil {
		return nil, err
	}
	missions, err := a.controller(scanner, machine, nil)
	if err != nil {
		return nil, err
	}
	return &serviceSet{
		scanner:  scanner,
		missions: missions,
		machine:  machine,
		auditor:  a.auditor(),
		reasoner: a.reasoner(),
	}, nil
}
