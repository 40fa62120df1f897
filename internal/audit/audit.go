// Package audit inspects auxiliary session storage and scores its health.
//
// The auditor is read-only: it walks a session directory, classifies the
// four fallback storage layers and reports size, count and age findings as
// recommendations.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/audit"

// ErrInvalidSessionRef is returned for an empty session reference.
var ErrInvalidSessionRef = errors.New("invalid session reference")

// Layer is one of the fallback storage layers.
type Layer string

const (
	LayerMemory  Layer = "memory"
	LayerSession Layer = "session"
	LayerDurable Layer = "durable"
	LayerCache   Layer = "cache"
)

// Layers returns all layers in fallback order.
func Layers() []Layer {
	return []Layer{LayerMemory, LayerSession, LayerDurable, LayerCache}
}

// Reliability is a layer's reliability tier.
type Reliability string

const (
	ReliabilityLow     Reliability = "low"
	ReliabilityMedium  Reliability = "medium"
	ReliabilityHigh    Reliability = "high"
	ReliabilityHighest Reliability = "highest"
)

var layerReliability = map[Layer]Reliability{
	LayerMemory:  ReliabilityLow,
	LayerSession: ReliabilityMedium,
	LayerCache:   ReliabilityHigh,
	LayerDurable: ReliabilityHighest,
}

// Age buckets.
const (
	AgeUnderDay   = "<1d"
	AgeUnderWeek  = "1-7d"
	AgeUnderMonth = "7-30d"
	AgeOverMonth  = ">30d"
)

const (
	day       = 24 * time.Hour
	staleAge  = 30 * day
	memoryMax = 95.0
)

// Config holds auditor thresholds.
type Config struct {
	ArtifactSizeBytes int64
	TotalVolumeBytes  int64
	HealthMin         int
	MaxFiles          int

	// DurableDir overrides <session>/durable as the durable layer.
	DurableDir string
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		ArtifactSizeBytes: 100 * 1024,
		TotalVolumeBytes:  10 * 1024 * 1024,
		HealthMin:         75,
		MaxFiles:          50,
	}
}

// LayerStatus classifies one layer.
type LayerStatus struct {
	Layer       Layer       `json:"layer"`
	Available   bool        `json:"available"`
	Reliability Reliability `json:"reliability"`
	Detail      string      `json:"detail,omitempty"`
}

// FileStat describes one stored file.
type FileStat struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Report is the result of one audit.
type Report struct {
	SessionRef      string         `json:"session_ref"`
	Timestamp       time.Time      `json:"timestamp"`
	Layers          []LayerStatus  `json:"layers"`
	HealthScore     int            `json:"health_score"`
	FileCount       int            `json:"file_count"`
	TotalBytes      int64          `json:"total_bytes"`
	AgeDistribution map[string]int `json:"age_distribution"`
	Oversized       []FileStat     `json:"oversized,omitempty"`
	StaleFiles      int            `json:"stale_files"`
	Recommendations []string       `json:"recommendations"`
}

// Healthy reports whether the health score meets min.
func (r *Report) Healthy(min int) bool {
	return r.HealthScore >= min
}

// Layer returns the status of l.
func (r *Report) Layer(l Layer) (LayerStatus, bool) {
	for _, s := range r.Layers {
		if s.Layer == l {
			return s, true
		}
	}
	return LayerStatus{}, false
}

// Auditor is the Resource Auditor.
type Auditor struct {
	config *Config
	host   hostinfo.Collector
	logger *zap.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithClock sets the time source used for file ages.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// NewAuditor creates an auditor. A nil host collector disables the memory
// probe, which then assumes the layer is available.
func NewAuditor(cfg *Config, host hostinfo.Collector, logger *zap.Logger, opts ...Option) *Auditor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Auditor{
		config: cfg,
		host:   host,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Audit inspects the session directory at sessionRef. A missing directory
// is not an error: its layers are reported unavailable.
func (a *Auditor) Audit(ctx context.Context, sessionRef string) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.audit")
	defer span.End()

	if strings.TrimSpace(sessionRef) == "" {
		span.SetStatus(codes.Error, ErrInvalidSessionRef.Error())
		return nil, ErrInvalidSessionRef
	}

	now := a.now()
	report := &Report{
		SessionRef: sessionRef,
		Timestamp:  now.UTC(),
		AgeDistribution: map[string]int{
			AgeUnderDay: 0, AgeUnderWeek: 0, AgeUnderMonth: 0, AgeOverMonth: 0,
		},
		Recommendations: []string{},
	}

	files, err := a.walk(ctx, sessionRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, f := range files {
		report.FileCount++
		report.TotalBytes += f.Size
		report.AgeDistribution[ageBucket(now.Sub(f.ModTime))]++
		if now.Sub(f.ModTime) > staleAge {
			report.StaleFiles++
		}
		if f.Size > a.config.ArtifactSizeBytes {
			report.Oversized = append(report.Oversized, f)
		}
	}

	report.Layers = []LayerStatus{
		a.memoryLayer(ctx),
		a.sessionLayer(sessionRef),
		a.durableLayer(sessionRef),
		a.cacheLayer(sessionRef),
	}
	available := 0
	for _, l := range report.Layers {
		if l.Available {
			available++
		}
	}
	report.HealthScore = int(math.Round(100 * float64(available) / float64(len(report.Layers))))
	report.Recommendations = a.recommend(report)

	metrics.AuditHealthScore.Set(float64(report.HealthScore))
	span.SetAttributes(
		attribute.Int("files", report.FileCount),
		attribute.Int64("bytes", report.TotalBytes),
		attribute.Int("health_score", report.HealthScore),
	)
	a.logger.Debug("audit complete",
		zap.String("session_ref", sessionRef),
		zap.Int("files", report.FileCount),
		zap.Int("health_score", report.HealthScore),
	)
	return report, nil
}

// walk lists regular files below root. Unreadable entries are skipped.
func (a *Auditor) walk(ctx context.Context, root string) ([]FileStat, error) {
	var files []FileStat
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			a.logger.Debug("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		files = append(files, FileStat{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (a *Auditor) memoryLayer(ctx context.Context) LayerStatus {
	s := LayerStatus{Layer: LayerMemory, Reliability: layerReliability[LayerMemory], Available: true}
	if a.host == nil {
		s.Detail = "memory probe disabled"
		return s
	}
	snap := a.host.Collect(ctx)
	if !snap.MemoryKnown() {
		s.Detail = "memory statistics unavailable"
		return s
	}
	s.Available = snap.MemoryPercent < memoryMax
	s.Detail = fmt.Sprintf("%.1f%% of host memory in use", snap.MemoryPercent)
	return s
}

func (a *Auditor) sessionLayer(sessionRef string) LayerStatus {
	s := LayerStatus{Layer: LayerSession, Reliability: layerReliability[LayerSession]}
	entries, err := os.ReadDir(sessionRef)
	if err != nil {
		s.Detail = "session directory not readable"
		return s
	}
	s.Available = true
	s.Detail = fmt.Sprintf("%d entries", len(entries))
	return s
}

func (a *Auditor) durableLayer(sessionRef string) LayerStatus {
	dir := a.config.DurableDir
	if dir == "" {
		dir = filepath.Join(sessionRef, "durable")
	}
	s := LayerStatus{Layer: LayerDurable, Reliability: layerReliability[LayerDurable]}
	info, err := os.Stat(dir)
	switch {
	case err != nil || !info.IsDir():
		s.Detail = "durable store missing"
	case info.Mode().Perm()&0o200 == 0:
		s.Detail = "durable store is not writable"
	default:
		s.Available = true
		s.Detail = dir
	}
	return s
}

func (a *Auditor) cacheLayer(sessionRef string) LayerStatus {
	s := LayerStatus{Layer: LayerCache, Reliability: layerReliability[LayerCache]}
	info, err := os.Stat(filepath.Join(sessionRef, "cache"))
	if err != nil || !info.IsDir() {
		s.Detail = "cache directory missing"
		return s
	}
	s.Available = true
	return s
}

func (a *Auditor) recommend(r *Report) []string {
	var recs []string
	for _, f := range r.Oversized {
		recs = append(recs, fmt.Sprintf("Compress or split %s (%d KB exceeds %d KB)",
			f.Path, f.Size/1024, a.config.ArtifactSizeBytes/1024))
	}
	if r.TotalBytes > a.config.TotalVolumeBytes {
		recs = append(recs, fmt.Sprintf("Storage volume %.1f MB exceeds %.1f MB; archive or prune old sessions",
			megabytes(r.TotalBytes), megabytes(a.config.TotalVolumeBytes)))
	}
	if r.FileCount > a.config.MaxFiles {
		recs = append(recs, fmt.Sprintf("Session file count %d exceeds %d; schedule cleanup of expired sessions",
			r.FileCount, a.config.MaxFiles))
	}
	if r.StaleFiles > 0 {
		recs = append(recs, fmt.Sprintf("%d files are older than 30 days; run cleanup to remove stale session data", r.StaleFiles))
	}
	if r.HealthScore < a.config.HealthMin {
		var missing []string
		for _, l := range r.Layers {
			if !l.Available {
				missing = append(missing, string(l.Layer))
			}
		}
		recs = append(recs, fmt.Sprintf("Health score %d is below %d; restore fallback layers: %s",
			r.HealthScore, a.config.HealthMin, strings.Join(missing, ", ")))
	}
	if recs == nil {
		recs = []string{}
	}
	return recs
}

func ageBucket(age time.Duration) string {
	switch {
	case age < day:
		return AgeUnderDay
	case age < 7*day:
		return AgeUnderWeek
	case age <= staleAge:
		return AgeUnderMonth
	default:
		return AgeOverMonth
	}
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
