package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixd/internal/telemetry"
)

const unboundedRetry = "async function retryFn(id, count = 0) { const res = await fetch(`/api/orders/${id}`); if (!res.ok) { return await retryFn(id, count+1); } return res.json(); }"

func newTestScanner(t *testing.T, opts ...Option) *Scanner {
	t.Helper()
	s, err := NewScanner(&Config{MinConfidence: 0.3}, nil, opts...)
	require.NoError(t, err)
	return s
}

func TestScan_UnboundedRetry(t *testing.T) {
	s := newTestScanner(t)

	report := s.Scan(context.Background(), map[string]string{"src/orders.js": unboundedRetry})

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, InfiniteRecursion, f.Category)
	assert.Equal(t, Critical, f.Severity)
	assert.Equal(t, 0.6, f.Confidence)
	assert.Equal(t, "src/orders.js", f.SourceArtifact)
	assert.Equal(t, 1, f.Evidence.Line)
	assert.Contains(t, f.Evidence.Match, "retryFn(id, count+1)")
	assert.Equal(t, []string{"recursion-unbounded-retry"}, f.RuleIDs)
	assert.Equal(t, FindingID("src/orders.js", InfiniteRecursion), f.ID)

	assert.Equal(t, Summary{Critical: 1, Total: 1}, report.Summary)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, PriorityCritical, report.Recommendations[0].Priority)
	assert.Equal(t, []string{f.ID}, report.Recommendations[0].FindingIDs)
}

func TestScan_RecursionSuppression(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{
			name: "bounded by counter",
			text: "async function retryFn(id, count = 0) {\n  if (count >= MAX_RETRY_ATTEMPTS) { throw new Error('gave up'); }\n  return await retryFn(id, count + 1);\n}\n",
		},
		{
			name: "bounded by limit",
			text: "function poll(n) {\n  if (n > maxPolls) return null;\n  return poll(n + 1);\n}\n",
		},
		{
			name: "calls a different function",
			text: "async function retryFn(id, count = 0) {\n  return await fetchOrder(id, count + 1);\n}\n",
		},
	}
	s := newTestScanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := s.Scan(context.Background(), map[string]string{"a.js": tt.text})
			assert.False(t, report.HasCategory(InfiniteRecursion))
		})
	}
}

func TestScan_MethodRetry(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{
			name: "returns through this",
			text: "class Api {\n  async retryFn(id, count) {\n    return this.retryFn(id, count + 1);\n  }\n}\n",
			line: 3,
		},
		{
			name: "awaits through this",
			text: "class Api {\n  async retryFn(id, count = 0) {\n    return await this.retryFn(id, count + 1);\n  }\n}\n",
			line: 3,
		},
		{
			name: "one-line class",
			text: "class Api { async retryFn(id, count) { const res = await fetch(`/api/orders/${id}`); if (!res.ok) { return this.retryFn(id, count + 1); } return res.json(); } }",
			line: 1,
		},
		{
			name: "reschedules through this",
			text: "class Poller {\n  poll(attempt) {\n    setTimeout(() => this.poll(attempt + 1), 1000);\n  }\n}\n",
			line: 3,
		},
	}
	s := newTestScanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := s.Scan(context.Background(), map[string]string{"api.js": tt.text})

			require.Len(t, report.Findings, 1)
			f := report.Findings[0]
			assert.Equal(t, InfiniteRecursion, f.Category)
			assert.Equal(t, Critical, f.Severity)
			assert.Equal(t, tt.line, f.Evidence.Line)
		})
	}
}

func TestScan_MethodRetryBounded(t *testing.T) {
	s := newTestScanner(t)
	text := "class Api {\n  async retryFn(id, count) {\n    if (count >= MAX_RETRY_ATTEMPTS) { throw new Error('gave up'); }\n    return this.retryFn(id, count + 1);\n  }\n}\n"

	report := s.Scan(context.Background(), map[string]string{"api.js": text})

	assert.False(t, report.HasCategory(InfiniteRecursion))
}

func TestScan_SetTimeoutSelfRetry(t *testing.T) {
	s := newTestScanner(t)
	text := "function connect(attempt) {\n  socket.onclose = () => {\n    setTimeout(() => connect(attempt + 1), 1000);\n  };\n}\n"

	report := s.Scan(context.Background(), map[string]string{"ws.js": text})

	require.True(t, report.HasCategory(InfiniteRecursion))
	assert.Equal(t, 3, report.FindingsByCategory[InfiniteRecursion][0].Evidence.Line)
}

func TestScan_ResourceLeak(t *testing.T) {
	s := newTestScanner(t)

	leaky := s.Scan(context.Background(), map[string]string{"a.js": "const id = setInterval(tick, 1000);\n"})
	require.Len(t, leaky.Findings, 1)
	assert.Equal(t, ResourceLeak, leaky.Findings[0].Category)
	assert.Equal(t, Warning, leaky.Findings[0].Severity)
	assert.Equal(t, 0.35, leaky.Findings[0].Confidence)

	cleared := s.Scan(context.Background(), map[string]string{"a.js": "const id = setInterval(tick, 1000);\nclearInterval(id);\n"})
	assert.Empty(t, cleared.Findings)
}

func TestScan_AggregatesPerCategory(t *testing.T) {
	s := newTestScanner(t)
	text := "setInterval(a, 10);\nsetInterval(b, 10);\nwindow.addEventListener('resize', onResize);\n"

	report := s.Scan(context.Background(), map[string]string{"a.js": text})

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, ResourceLeak, f.Category)
	assert.Equal(t, 1.0, f.Confidence)
	assert.Equal(t, 3, f.MatchCount)
	assert.ElementsMatch(t, []string{"interval-without-clear", "listener-without-removal"}, f.RuleIDs)
	assert.Equal(t, 1, f.Evidence.Line)
}

func TestScan_EffectCleanup(t *testing.T) {
	s := newTestScanner(t)

	missing := "useEffect(() => {\n  const id = setInterval(poll, 1000);\n}, []);\n"
	report := s.Scan(context.Background(), map[string]string{"Widget.tsx": missing})
	assert.True(t, report.HasCategory(MissingCleanup))
	assert.True(t, report.HasCategory(ResourceLeak))

	cleaned := "useEffect(() => {\n  const id = setInterval(poll, 1000);\n  return () => clearInterval(id);\n}, []);\n"
	report = s.Scan(context.Background(), map[string]string{"Widget.tsx": cleaned})
	assert.Empty(t, report.Findings)
}

func TestScan_EffectCleanupCallbackShapes(t *testing.T) {
	s := newTestScanner(t)
	for _, header := range []string{"() =>", "async () =>", "function ()", "function poll()", "async function load()"} {
		t.Run(header, func(t *testing.T) {
			missing := "useEffect(" + header + " {\n  const id = setInterval(poll, 1000);\n}, []);\n"
			report := s.Scan(context.Background(), map[string]string{"Widget.tsx": missing})
			assert.True(t, report.HasCategory(MissingCleanup))

			cleaned := "useEffect(" + header + " {\n  const id = setInterval(poll, 1000);\n  return function () { clearInterval(id); };\n}, []);\n"
			report = s.Scan(context.Background(), map[string]string{"Widget.tsx": cleaned})
			assert.Empty(t, report.Findings)
		})
	}
}

func TestScan_ExternalFamilyBonus(t *testing.T) {
	s := newTestScanner(t)
	text := "// stripe webhook handler\nexport async function POST(req) {\n  const event = await req.json();\n  await fulfil(event);\n}\n"

	report := s.Scan(context.Background(), map[string]string{"app/api/webhook/route.js": text})

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, InjectionRisk, f.Category)
	assert.Equal(t, 0.5, f.Confidence)
	assert.Equal(t, []string{FamilyPaymentWebhook}, f.ExternalCategories)

	verified := text + "const sig = request.headers.get('stripe-signature');\n"
	report = s.Scan(context.Background(), map[string]string{"app/api/webhook/route.js": verified})
	assert.Empty(t, report.Findings)
}

func TestScan_StorageParse(t *testing.T) {
	s := newTestScanner(t)

	guarded := "function load() {\n  try {\n    return JSON.parse(localStorage.getItem('cart'));\n  } catch (e) {\n    return null;\n  }\n}\n"
	assert.Empty(t, s.Scan(context.Background(), map[string]string{"cart.js": guarded}).Findings)

	unguarded := "function load() {\n  return JSON.parse(localStorage.getItem('cart'));\n}\n"
	report := s.Scan(context.Background(), map[string]string{"cart.js": unguarded})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, InsufficientErrorHandling, report.Findings[0].Category)
	assert.Equal(t, 0.45, report.Findings[0].Confidence)
	assert.Equal(t, 2, report.Findings[0].Evidence.Line)
}

func TestScan_EmptyCatch(t *testing.T) {
	s := newTestScanner(t)

	report := s.Scan(context.Background(), map[string]string{"a.js": "try {\n  run();\n} catch (e) {}\n"})

	require.Len(t, report.Findings, 1)
	assert.Equal(t, InsufficientErrorHandling, report.Findings[0].Category)
	assert.Equal(t, 3, report.Findings[0].Evidence.Line)
}

func TestScan_MinConfidence(t *testing.T) {
	text := "async function load() {\n  const r = await fetch('/x');\n  return r.json();\n}\n"

	strict := newTestScanner(t)
	assert.Empty(t, strict.Scan(context.Background(), map[string]string{"a.js": text}).Findings)

	lenient, err := NewScanner(&Config{MinConfidence: 0.1}, nil)
	require.NoError(t, err)
	report := lenient.Scan(context.Background(), map[string]string{"a.js": text})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, Info, report.Findings[0].Severity)
	assert.Equal(t, 0.15, report.Findings[0].Confidence)
}

func TestScan_Ordering(t *testing.T) {
	s := newTestScanner(t)
	artifacts := map[string]string{
		"config.js": "const key = 'sk_live_abcdefghij1234567890';\n",
		"timer.js":  "setInterval(tick, 10);\n",
		"orders.js": unboundedRetry,
	}

	report := s.Scan(context.Background(), artifacts)

	require.Len(t, report.Findings, 3)
	assert.Equal(t, Other, report.Findings[0].Category)
	assert.Equal(t, 1.0, report.Findings[0].Confidence)
	assert.Equal(t, "sk_live_[REDACTED]", report.Findings[0].Evidence.Match)
	assert.Equal(t, InfiniteRecursion, report.Findings[1].Category)
	assert.Equal(t, ResourceLeak, report.Findings[2].Category)

	for i := 1; i < len(report.Findings); i++ {
		assert.GreaterOrEqual(t, report.Findings[i-1].Confidence, report.Findings[i].Confidence)
	}

	require.Len(t, report.Recommendations, 3)
	assert.Equal(t, InfiniteRecursion, report.Recommendations[0].Category)
	assert.Equal(t, Other, report.Recommendations[1].Category)
	assert.Equal(t, PriorityHigh, report.Recommendations[2].Priority)
}

func TestScan_SeverityBreaksTies(t *testing.T) {
	s := newTestScanner(t)
	artifacts := map[string]string{
		"a.js": "useEffect(() => {\n  const id = setInterval(poll, 1000);\n}, []);\n",
		"b.js": "el.innerHTML = html;\n",
	}

	report := s.Scan(context.Background(), artifacts)

	require.Len(t, report.Findings, 3)
	assert.Equal(t, "b.js", report.Findings[0].SourceArtifact)
	assert.Equal(t, Critical, report.Findings[0].Severity)
	assert.Equal(t, MissingCleanup, report.Findings[1].Category)
	assert.Equal(t, report.Findings[0].Confidence, report.Findings[1].Confidence)

	artifacts["b.js"] = "el.innerHTML = DOMPurify.sanitize(html);\n"
	report = s.Scan(context.Background(), artifacts)
	assert.Len(t, report.Findings, 2)
}

func TestScan_SkipsNonText(t *testing.T) {
	s := newTestScanner(t)

	report := s.Scan(context.Background(), map[string]string{
		"logo.png": "\x89PNG\x00\x00",
		"bad.js":   string([]byte{0xff, 0xfe, 0xfd}),
	})

	assert.Empty(t, report.Findings)
	assert.Equal(t, 0, report.ArtifactsScanned)
	assert.Equal(t, []string{"bad.js", "logo.png"}, report.ArtifactsSkipped)
}

func TestScan_Idempotent(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestScanner(t, WithClock(func() time.Time { return fixed }))
	artifacts := map[string]string{
		"a.js": unboundedRetry,
		"b.js": "setInterval(x, 1);\ntry { a(); } catch {}\n",
	}

	first := s.Scan(context.Background(), artifacts)
	second := s.Scan(context.Background(), artifacts)

	assert.Equal(t, first, second)
	assert.Equal(t, fixed, first.Timestamp)
}

func TestScan_ConfidenceBounds(t *testing.T) {
	s := newTestScanner(t)
	text := ""
	for i := 0; i < 10; i++ {
		text += "el.innerHTML = input;\neval(code);\n"
	}

	report := s.Scan(context.Background(), map[string]string{"a.js": text})

	for _, f := range report.Findings {
		assert.GreaterOrEqual(t, f.Confidence, 0.3)
		assert.LessOrEqual(t, f.Confidence, 1.0)
	}
}

type fakeSecrets struct {
	hits []SecretHit
	err  error
}

func (f *fakeSecrets) Detect(string) ([]SecretHit, error) { return f.hits, f.err }

func TestScan_SecretDetector(t *testing.T) {
	secrets := &fakeSecrets{hits: []SecretHit{{
		RuleID:      "generic-api-key",
		Description: "Generic API Key",
		Line:        2,
		StartCol:    14,
		Match:       "abcd1234efgh5678ijkl",
	}}}
	s, err := NewScanner(&Config{MinConfidence: 0.3, SecretScanning: true}, nil, WithSecretDetector(secrets))
	require.NoError(t, err)

	report := s.Scan(context.Background(), map[string]string{"env.js": "// config\nconst apiKey = 'abcd1234efgh5678ijkl';\n"})

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, Other, f.Category)
	assert.Equal(t, Critical, f.Severity)
	assert.Equal(t, 1.0, f.Confidence)
	assert.Equal(t, []string{"gitleaks:generic-api-key"}, f.RuleIDs)
	assert.Equal(t, []string{FamilySecretExposure}, f.ExternalCategories)
	assert.Equal(t, 2, f.Evidence.Line)
	assert.NotContains(t, f.Evidence.Match, "5678ijkl")
	assert.Equal(t, secretRule.Recommendation, report.Recommendations[0].Action)
}

func TestScan_SecretDetectorFailureIsLogged(t *testing.T) {
	secrets := &fakeSecrets{err: errors.New("boom")}
	s, err := NewScanner(&Config{MinConfidence: 0.3, SecretScanning: true}, nil, WithSecretDetector(secrets))
	require.NoError(t, err)

	report := s.Scan(context.Background(), map[string]string{"a.js": unboundedRetry})

	assert.Len(t, report.Findings, 1)
}

func TestScan_RecordsSpan(t *testing.T) {
	tt := telemetry.NewTestTelemetry().Install()
	s := newTestScanner(t)

	s.Scan(context.Background(), map[string]string{"a.js": unboundedRetry})

	tt.AssertSpanExists(t, "detector.scan")
	tt.AssertSpanAttribute(t, "detector.scan", "findings", int64(1))
	assert.Equal(t, int64(1), tt.CounterValue(t, "fixd.detector.scans_total"))
}

func TestNewScanner_Validation(t *testing.T) {
	_, err := NewScanner(&Config{MinConfidence: 1.5}, nil)
	assert.Error(t, err)

	_, err = NewScanner(&Config{Rules: []Rule{{
		ID: "recursion-unbounded-retry", Category: Other, Severity: Info, Patterns: []string{"x"}, Weight: 0.1,
	}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewScanner(&Config{Rules: []Rule{{
		ID: "bad-weight", Category: Other, Severity: Info, Patterns: []string{"x"}, Weight: 2,
	}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewScanner(&Config{Rules: []Rule{{
		ID: "bad-regex", Category: Other, Severity: Info, Patterns: []string{"("}, Weight: 0.5,
	}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestNewScanner_CustomRules(t *testing.T) {
	s, err := NewScanner(&Config{
		MinConfidence:   0.3,
		DisableDefaults: true,
		Rules: []Rule{{
			ID:          "todo-marker",
			Category:    Other,
			Severity:    Info,
			Patterns:    []string{`\bTODO\b`},
			Weight:      0.5,
			Description: "Unresolved marker",
		}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, s.Rules(), 1)

	report := s.Scan(context.Background(), map[string]string{"a.js": "// todo: fix\n" + unboundedRetry})

	require.Len(t, report.Findings, 1)
	assert.Equal(t, Other, report.Findings[0].Category)
	assert.Equal(t, categoryActions[Other], report.Recommendations[0].Action)
}
