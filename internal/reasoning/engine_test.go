package reasoning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/telemetry"
)

const retryProblem = "Orders page hangs: retryFn keeps retrying the order fetch in an infinite loop"

func descriptions(causes []Cause) []string {
	out := make([]string, len(causes))
	for i, c := range causes {
		out[i] = c.Description
	}
	return out
}

func TestAnalyze_RetryProblem(t *testing.T) {
	tt := telemetry.NewTestTelemetry().Install()
	r, err := NewEngine(nil, nil, nil).Analyze(context.Background(), Problem{Statement: retryProblem})
	require.NoError(t, err)

	assert.Equal(t, []Strategy{FiveWhys, Fishbone, FMEA}, r.Strategies)
	assert.Equal(t, "retry", r.FiveWhys.Chain)
	assert.True(t, r.FiveWhys.RootReached)
	assert.Len(t, r.FiveWhys.Steps, 4)

	assert.Equal(t, []string{
		"Unbounded retry or recursion in request handling",
		"Unbounded retry loop exhausts the call stack",
		"No bounded-retry design standard exists for network calls",
		"Retry storm amplifies an upstream outage",
	}, descriptions(r.Causes))
	assert.Equal(t, []float64{1.0, 0.9, 0.6, 0.467}, []float64{
		r.Causes[0].Confidence, r.Causes[1].Confidence, r.Causes[2].Confidence, r.Causes[3].Confidence,
	})
	assert.Equal(t, 270, r.Causes[1].RPN)
	assert.Equal(t, detector.PriorityCritical, r.Causes[1].Priority)
	assert.Equal(t, detector.PriorityHigh, r.Causes[3].Priority)

	// (0.4 + 1.0 + 270/1000) / 3
	assert.InDelta(t, 0.557, r.Confidence, 1e-9)

	require.Len(t, r.Recommendations, 3)
	assert.Equal(t, "retry", r.Recommendations[0].Family)
	assert.Equal(t, "Cap retry attempts and fail with a visible error", r.Recommendations[1].Action)
	assert.Equal(t, detector.PriorityHigh, r.Recommendations[2].Priority)

	tt.AssertSpanExists(t, "reasoning.analyze")
	assert.Equal(t, int64(1), tt.CounterValue(t, "fixd.reasoning.analyses_total"))
}

func TestAnalyze_GenericFallback(t *testing.T) {
	r, err := NewEngine(nil, nil, nil).Analyze(context.Background(), Problem{Statement: "The footer text renders in the wrong font"})
	require.NoError(t, err)

	assert.Equal(t, "generic", r.FiveWhys.Chain)
	assert.Len(t, r.FiveWhys.Steps, MaxWhyDepth)
	assert.True(t, r.FiveWhys.RootReached)
	assert.Equal(t, []Strategy{FiveWhys}, r.Strategies)
	assert.InDelta(t, 0.4, r.Confidence, 1e-9)

	require.Len(t, r.Causes, 1)
	assert.Equal(t, genericLadder[MaxWhyDepth-1], r.Causes[0].Description)
	require.Len(t, r.Recommendations, 1)
	assert.Equal(t, "general", r.Recommendations[0].Family)
}

func TestAnalyze_MinConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.5
	r, err := NewEngine(cfg, nil, nil).Analyze(context.Background(), Problem{Statement: "The footer text renders in the wrong font"})
	require.NoError(t, err)
	assert.Empty(t, r.Causes)

	r, err = NewEngine(cfg, nil, nil).Analyze(context.Background(), Problem{Statement: retryProblem})
	require.NoError(t, err)
	for _, c := range r.Causes {
		assert.GreaterOrEqual(t, c.Confidence, 0.5)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
}

func TestAnalyze_LearningAdjustment(t *testing.T) {
	ctx := context.Background()
	store := learning.NewMemoryStore(0)
	e := NewEngine(nil, store, nil)
	p := Problem{Statement: retryProblem}
	cause := Cause{Description: "Unbounded retry loop exhausts the call stack", Strategy: FMEA}

	require.NoError(t, e.RecordOutcome(ctx, p, cause, true))
	require.NoError(t, e.RecordOutcome(ctx, p, cause, false))

	r, err := e.Analyze(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 2, r.LearningMatches)
	var adjusted Cause
	for _, c := range r.Causes {
		if c.Description == cause.Description {
			adjusted = c
		}
	}
	assert.InDelta(t, 0.05, adjusted.Adjustment, 1e-9)
	assert.InDelta(t, 0.95, adjusted.Confidence, 1e-9)
	assert.Zero(t, r.Causes[0].Adjustment, "unrelated causes are not adjusted")
}

func TestAnalyze_LearningCapped(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(nil, learning.NewMemoryStore(0), nil)
	p := Problem{Statement: retryProblem}
	cause := Cause{Description: "Unbounded retry or recursion in request handling", Strategy: Fishbone}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordOutcome(ctx, p, cause, true))
	}

	r, err := e.Analyze(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Causes[0].Confidence)
	assert.InDelta(t, 0.1, r.Causes[0].Adjustment, 1e-9)
}

func TestAnalyzeFinding(t *testing.T) {
	f := detector.Finding{
		ID:                 "F-1",
		Category:           detector.InjectionRisk,
		Severity:           detector.Critical,
		SourceArtifact:     "api/webhook.js",
		Description:        "Webhook payload used without signature verification",
		ExternalCategories: []string{detector.FamilyPaymentWebhook},
		Evidence:           detector.Evidence{Match: "req.body", Line: 4},
	}
	p := ProblemFromFinding(f)
	assert.Equal(t, []string{ComponentPaymentWebhook, ComponentRendering}, p.Components)
	assert.Equal(t, "injection risk in api/webhook.js: Webhook payload used without signature verification", p.Statement)

	r, err := NewEngine(nil, nil, nil).AnalyzeFinding(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, "integration", r.FiveWhys.Chain)
	fm := r.CausesFrom(FMEA)
	require.Len(t, fm, 2)
	assert.Equal(t, "Forged webhook accepted without signature check", fm[0].Description)
	assert.Equal(t, 180, fm[1].RPN)
	assert.Equal(t, "integration", r.Recommendations[0].Family)
}

func TestAnalyze_Errors(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	_, err := e.Analyze(context.Background(), Problem{Statement: "  "})
	assert.ErrorIs(t, err, ErrEmptyProblem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Analyze(ctx, Problem{Statement: retryProblem})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_Deterministic(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	a, err := e.Analyze(context.Background(), Problem{Statement: retryProblem})
	require.NoError(t, err)
	b, err := e.Analyze(context.Background(), Problem{Statement: retryProblem})
	require.NoError(t, err)
	assert.Equal(t, a.Causes, b.Causes)
	assert.Equal(t, a.Confidence, b.Confidence)
}

func TestFiveWhys_DepthBound(t *testing.T) {
	res, cause := fiveWhys(Problem{Statement: "something odd happened"}, 2)
	assert.Len(t, res.Steps, 2)
	assert.False(t, res.RootReached)
	assert.Equal(t, genericLadder[1], cause.Description)
	assert.Contains(t, res.Steps[0].Question, "something odd happened")
	assert.Contains(t, res.Steps[1].Question, genericLadder[0])
}

func TestFishbone_Cutoff(t *testing.T) {
	scored, causes := fishbone(Problem{Statement: "retry timeout"}, 0.7)
	assert.Len(t, scored, len(fishboneCandidates))
	// Two hits score exactly 0.8.
	require.Len(t, causes, 1)
	assert.Equal(t, "Retry and timeout policies are undefined", causes[0].Description)
	assert.Equal(t, 0.8, causes[0].Confidence)

	_, causes = fishbone(Problem{Statement: "retry timeout"}, 0.8)
	assert.Empty(t, causes, "cutoff is exclusive")
}

func TestFMEA_Thresholds(t *testing.T) {
	modes, causes, maxRPN := fmea(Problem{Statement: "x", Components: []string{ComponentEffectLifecycle, "unknown"}})
	require.Len(t, modes, 2)
	assert.Equal(t, 210, modes[0].RPN)
	assert.Equal(t, detector.PriorityCritical, modes[0].Priority)
	assert.Equal(t, 96, modes[1].RPN)
	require.Len(t, causes, 1, "RPN 96 is not retained")
	assert.Equal(t, 210, maxRPN)
	assert.Equal(t, 0.7, causes[0].Confidence)
}

func TestDedupeCauses(t *testing.T) {
	out := dedupeCauses([]Cause{
		{Description: "Stored JSON is parsed without validation", Confidence: 0.4, Strategy: FiveWhys},
		{Description: "stored json is parsed, without validation!", Confidence: 0.8, Strategy: Fishbone},
		{Description: "Other", Confidence: 0.5},
	})
	require.Len(t, out, 2)
	assert.Equal(t, Fishbone, out[0].Strategy)
	assert.Equal(t, 0.8, out[0].Confidence)
}

func TestRecommend_Dedupes(t *testing.T) {
	recs := recommend(Problem{Statement: "session cart json lost"}, nil, []FailureMode{
		{Component: "a", Action: "Validate persisted data on read and do something else", RPN: 150, Priority: detector.PriorityHigh},
	})
	require.Len(t, recs, 1)
	assert.Equal(t, "session", recs[0].Family)
}
