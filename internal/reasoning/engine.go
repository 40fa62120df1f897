package reasoning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/learning"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/reasoning"

// ErrEmptyProblem is returned for a blank problem statement.
var ErrEmptyProblem = errors.New("problem statement is empty")

const (
	iterativeBaseline = 0.4
	maxLearningBonus  = 0.1
	causeKeyLen       = 40
	actionKeyLen      = 30
)

// Config tunes the Engine.
type Config struct {
	MinConfidence  float64
	FishboneCutoff float64
	MaxDepth       int

	// LearningLimit caps the similar outcomes consulted per analysis.
	LearningLimit int
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() *Config {
	return &Config{
		MinConfidence:  0.3,
		FishboneCutoff: DefaultFishboneCutoff,
		MaxDepth:       MaxWhyDepth,
		LearningLimit:  20,
	}
}

// Engine is the Root-Cause Reasoning Engine.
type Engine struct {
	config *Config
	store  learning.Store
	logger *zap.Logger
	now    func() time.Time

	tracer   trace.Tracer
	meter    metric.Meter
	analyses metric.Int64Counter
}

// NewEngine creates an engine. store may be nil to disable learning.
func NewEngine(cfg *Config, store learning.Store, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config: cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	var err error
	e.analyses, err = e.meter.Int64Counter(
		"fixd.reasoning.analyses_total",
		metric.WithDescription("Total number of root-cause analyses"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		logger.Warn("failed to create analyses counter", zap.Error(err))
	}
	return e
}

// Learning returns the learning store, or nil when learning is disabled.
func (e *Engine) Learning() learning.Store { return e.store }

// Analyze runs all strategies over p and consolidates their causes.
func (e *Engine) Analyze(ctx context.Context, p Problem) (*ConsolidatedReport, error) {
	ctx, span := e.tracer.Start(ctx, "reasoning.analyze")
	defer span.End()

	if strings.TrimSpace(p.Statement) == "" {
		span.SetStatus(codes.Error, ErrEmptyProblem.Error())
		return nil, ErrEmptyProblem
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &ConsolidatedReport{
		Timestamp: e.now().UTC(),
		Problem:   p,
	}

	why, whyCause := fiveWhys(p, e.config.MaxDepth)
	report.FiveWhys = why
	report.Strategies = append(report.Strategies, FiveWhys)

	scored, fishCauses := fishbone(p, e.config.FishboneCutoff)
	report.Fishbone = scored
	if len(fishCauses) > 0 {
		report.Strategies = append(report.Strategies, Fishbone)
	}

	modes, fmeaCauses, maxRPN := fmea(p)
	report.FMEA = modes
	if len(fmeaCauses) > 0 {
		report.Strategies = append(report.Strategies, FMEA)
	}

	report.Confidence = overallConfidence(fishCauses, maxRPN, len(report.Strategies))

	causes := dedupeCauses(append(append([]Cause{whyCause}, fishCauses...), fmeaCauses...))
	report.LearningMatches = e.adjust(ctx, p, causes)
	report.Causes = e.filter(causes)
	report.Recommendations = recommend(p, report.Causes, modes)

	if e.analyses != nil {
		e.analyses.Add(ctx, 1)
	}
	span.SetAttributes(
		attribute.Int("causes", len(report.Causes)),
		attribute.Float64("confidence", report.Confidence),
		attribute.String("chain", why.Chain),
	)
	e.logger.Debug("root cause analysis complete",
		zap.Int("causes", len(report.Causes)),
		zap.Float64("confidence", report.Confidence),
		zap.Int("learning_matches", report.LearningMatches),
	)
	return report, nil
}

// AnalyzeFinding analyzes a detector finding as a problem statement.
func (e *Engine) AnalyzeFinding(ctx context.Context, f detector.Finding) (*ConsolidatedReport, error) {
	return e.Analyze(ctx, ProblemFromFinding(f))
}

// RecordOutcome stores whether cause turned out to be the root cause of p.
func (e *Engine) RecordOutcome(ctx context.Context, p Problem, cause Cause, success bool) error {
	if e.store == nil {
		return nil
	}
	err := e.store.Record(ctx, learning.Outcome{
		Problem:  p.Statement,
		Cause:    cause.Description,
		Strategy: string(cause.Strategy),
		Success:  success,
	})
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// adjust adds the learning bonus to causes confirmed for similar problems
// and returns how many similar outcomes were found. Store failures are
// logged and ignored.
func (e *Engine) adjust(ctx context.Context, p Problem, causes []Cause) int {
	if e.store == nil {
		return 0
	}
	matches, err := e.store.Similar(ctx, p.Statement, e.config.LearningLimit)
	if err != nil {
		e.logger.Warn("learning store lookup failed", zap.Error(err))
		return 0
	}
	for i := range causes {
		ratio, n := learning.SuccessRatio(matches, causes[i].Description)
		if n == 0 {
			continue
		}
		bonus := round3(ratio * maxLearningBonus)
		causes[i].Adjustment = bonus
		causes[i].Confidence = round3(clamp(causes[i].Confidence + bonus))
	}
	return len(matches)
}

// filter drops causes below MinConfidence and sorts by confidence.
func (e *Engine) filter(causes []Cause) []Cause {
	out := make([]Cause, 0, len(causes))
	for _, c := range causes {
		c.Confidence = clamp(c.Confidence)
		if c.Confidence >= e.config.MinConfidence {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// overallConfidence averages the iterative baseline, the mean retained
// Fishbone score and the normalized FMEA risk over the strategies that
// produced output.
func overallConfidence(fish []Cause, maxRPN, strategies int) float64 {
	total := iterativeBaseline
	if len(fish) > 0 {
		var sum float64
		for _, c := range fish {
			sum += c.Confidence
		}
		total += sum / float64(len(fish))
	}
	if maxRPN > 0 {
		total += float64(maxRPN) / rpnMax
	}
	if strategies == 0 {
		return 0
	}
	return round3(clamp(total / float64(strategies)))
}

// dedupeCauses merges causes whose normalized descriptions share a prefix,
// keeping the more confident one in the position of the first.
func dedupeCauses(causes []Cause) []Cause {
	index := make(map[string]int)
	var out []Cause
	for _, c := range causes {
		key := normalizedPrefix(c.Description, causeKeyLen)
		if i, ok := index[key]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

func normalizedPrefix(s string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == n {
				break
			}
		}
	}
	return b.String()
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
