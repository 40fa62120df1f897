// Package config provides configuration loading for fixd.
//
// Values come from an optional YAML file, an optional .env file and FIXD_*
// environment variables, in increasing order of precedence. Defaults fill
// anything left unset.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete fixd configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Detector    DetectorConfig    `koanf:"detector"`
	Remediation RemediationConfig `koanf:"remediation"`
	Audit       AuditConfig       `koanf:"audit"`
	Reasoning   ReasoningConfig   `koanf:"reasoning"`
	Diagnostic  DiagnosticConfig  `koanf:"diagnostic"`
	Mission     MissionConfig     `koanf:"mission"`
	Storage     StorageConfig     `koanf:"storage"`
	Server      ServerConfig      `koanf:"server"`
	Events      EventsConfig      `koanf:"events"`
	Watch       WatchConfig       `koanf:"watch"`
}

// LoggingConfig selects the zap output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
	Output string `koanf:"output"` // stdout or stderr
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// DetectorConfig tunes the defect detector.
type DetectorConfig struct {
	MinConfidence  float64  `koanf:"min_confidence"`
	SecretScanning bool     `koanf:"secret_scanning"`
	RulePacks      []string `koanf:"rule_packs"`
	Extensions     []string `koanf:"extensions"`
	MaxFileSizeKB  int64    `koanf:"max_file_size_kb"`
}

// RemediationConfig controls how fixes are applied.
type RemediationConfig struct {
	DryRun           bool `koanf:"dry_run"`
	MaxRetryAttempts int  `koanf:"max_retry_attempts"`
}

// AuditConfig holds resource auditor thresholds.
type AuditConfig struct {
	ArtifactSizeKB int64 `koanf:"artifact_size_kb"`
	TotalVolumeMB  int64 `koanf:"total_volume_mb"`
	HealthMin      int   `koanf:"health_min"`
	MaxFiles       int   `koanf:"max_files"`
}

// ReasoningConfig tunes the root-cause engine.
type ReasoningConfig struct {
	MinConfidence   float64 `koanf:"min_confidence"`
	FishboneCutoff  float64 `koanf:"fishbone_cutoff"`
	LearningBackend string  `koanf:"learning_backend"` // memory or chromem
}

// DiagnosticConfig tunes the deep diagnostic state machine.
type DiagnosticConfig struct {
	MaxHypotheses int    `koanf:"max_hypotheses"`
	SessionStore  string `koanf:"session_store"` // memory or sqlite
	RecentChanges int    `koanf:"recent_changes"`
}

// MissionConfig controls the mission controller.
type MissionConfig struct {
	AuditEnabled bool     `koanf:"audit_enabled"`
	AutoEscalate bool     `koanf:"auto_escalate"`
	SyntaxCheck  bool     `koanf:"syntax_check"`
	Timeout      Duration `koanf:"timeout"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir    string `koanf:"data_dir"`
	ReportsDir string `koanf:"reports_dir"`
	// Redact masks credentials in saved reports.
	Redact bool `koanf:"redact"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Token   Secret `koanf:"token"`
	Subject string `koanf:"subject"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Debounce Duration `koanf:"debounce"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Detector.SecretScanning = true
	cfg.Remediation.DryRun = true
	cfg.Mission.AuditEnabled = true
	cfg.Mission.SyntaxCheck = true
	cfg.Storage.Redact = true
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detector.min_confidence must be between 0 and 1, got %v", c.Detector.MinConfidence))
	}
	if c.Reasoning.MinConfidence < 0 || c.Reasoning.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("reasoning.min_confidence must be between 0 and 1, got %v", c.Reasoning.MinConfidence))
	}
	if c.Reasoning.FishboneCutoff <= 0 || c.Reasoning.FishboneCutoff > 1 {
		errs = append(errs, fmt.Errorf("reasoning.fishbone_cutoff must be in (0, 1], got %v", c.Reasoning.FishboneCutoff))
	}
	switch c.Reasoning.LearningBackend {
	case "memory", "chromem":
	default:
		errs = append(errs, fmt.Errorf("reasoning.learning_backend must be memory or chromem, got %q", c.Reasoning.LearningBackend))
	}
	switch c.Diagnostic.SessionStore {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("diagnostic.session_store must be memory or sqlite, got %q", c.Diagnostic.SessionStore))
	}
	if c.Remediation.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("remediation.max_retry_attempts must be at least 1"))
	}
	if c.Audit.HealthMin < 0 || c.Audit.HealthMin > 100 {
		errs = append(errs, fmt.Errorf("audit.health_min must be between 0 and 100, got %d", c.Audit.HealthMin))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
// Booleans are left alone since their zero value is meaningful.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}

	if cfg.Detector.MinConfidence == 0 {
		cfg.Detector.MinConfidence = 0.3
	}
	if len(cfg.Detector.Extensions) == 0 {
		cfg.Detector.Extensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}
	}
	if cfg.Detector.MaxFileSizeKB == 0 {
		cfg.Detector.MaxFileSizeKB = 1024
	}

	if cfg.Remediation.MaxRetryAttempts == 0 {
		cfg.Remediation.MaxRetryAttempts = 3
	}

	if cfg.Audit.ArtifactSizeKB == 0 {
		cfg.Audit.ArtifactSizeKB = 100
	}
	if cfg.Audit.TotalVolumeMB == 0 {
		cfg.Audit.TotalVolumeMB = 10
	}
	if cfg.Audit.HealthMin == 0 {
		cfg.Audit.HealthMin = 75
	}
	if cfg.Audit.MaxFiles == 0 {
		cfg.Audit.MaxFiles = 50
	}

	if cfg.Reasoning.MinConfidence == 0 {
		cfg.Reasoning.MinConfidence = 0.3
	}
	if cfg.Reasoning.FishboneCutoff == 0 {
		cfg.Reasoning.FishboneCutoff = 0.7
	}
	if cfg.Reasoning.LearningBackend == "" {
		cfg.Reasoning.LearningBackend = "memory"
	}

	if cfg.Diagnostic.MaxHypotheses == 0 {
		cfg.Diagnostic.MaxHypotheses = 3
	}
	if cfg.Diagnostic.SessionStore == "" {
		cfg.Diagnostic.SessionStore = "sqlite"
	}
	if cfg.Diagnostic.RecentChanges == 0 {
		cfg.Diagnostic.RecentChanges = 10
	}

	if cfg.Mission.Timeout == 0 {
		cfg.Mission.Timeout = Duration(10 * time.Minute)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "~/.local/share/fixd"
	}
	if cfg.Storage.ReportsDir == "" {
		cfg.Storage.ReportsDir = ".fixd/reports"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 5
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 10
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "fixd"
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = Duration(500 * time.Millisecond)
	}
}
