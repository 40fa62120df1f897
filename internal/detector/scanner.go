package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/lexical"
	"github.com/fyrsmithlabs/fixd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/detector"

// externalBonus is added to a finding's confidence when an external-family
// rule contributed to it.
const externalBonus = 0.2

// Config configures a Scanner.
type Config struct {
	// MinConfidence discards findings below this confidence (default: 0.3).
	MinConfidence float64

	// SecretScanning enables the gitleaks secret-exposure family.
	SecretScanning bool

	// Rules are appended to the built-in rule table.
	Rules []Rule

	// DisableDefaults drops the built-in rule table.
	DisableDefaults bool
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() *Config {
	return &Config{
		MinConfidence:  0.3,
		SecretScanning: true,
	}
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithSecretDetector overrides the secret detector used when secret
// scanning is enabled.
func WithSecretDetector(d SecretDetector) Option {
	return func(s *Scanner) { s.secrets = d }
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// Scanner is the Defect Detector. It holds only compiled rules and is safe
// for concurrent use.
type Scanner struct {
	config  *Config
	rules   []*compiledRule
	secrets SecretDetector
	now     func() time.Time
	logger  *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	scanCounter  metric.Int64Counter
	matchCounter metric.Int64Counter
}

// NewScanner compiles the rule table.
func NewScanner(cfg *Config, logger *zap.Logger, opts ...Option) (*Scanner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be in [0, 1], got %v", cfg.MinConfidence)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var table []Rule
	if !cfg.DisableDefaults {
		table = append(table, DefaultRules()...)
	}
	table = append(table, cfg.Rules...)

	seen := make(map[string]bool, len(table))
	rules := make([]*compiledRule, 0, len(table))
	for _, r := range table {
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		rules = append(rules, cr)
	}

	s := &Scanner{
		config: cfg,
		rules:  rules,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SecretScanning && s.secrets == nil {
		s.secrets = NewGitleaksDetector(nil)
	}
	s.initMetrics()
	return s, nil
}

func (s *Scanner) initMetrics() {
	var err error
	s.scanCounter, err = s.meter.Int64Counter(
		"fixd.detector.scans_total",
		metric.WithDescription("Total number of detector scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		s.logger.Warn("failed to create scan counter", zap.Error(err))
	}
	s.matchCounter, err = s.meter.Int64Counter(
		"fixd.detector.rule_matches_total",
		metric.WithDescription("Total number of rule matches before aggregation"),
		metric.WithUnit("{match}"),
	)
	if err != nil {
		s.logger.Warn("failed to create match counter", zap.Error(err))
	}
}

// Rules returns the active rule table.
func (s *Scanner) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// MinConfidence returns the discard threshold.
func (s *Scanner) MinConfidence() float64 { return s.config.MinConfidence }

// match is a single accepted rule match.
type match struct {
	rule   *compiledRule
	ruleID string
	start  int
	line   int
	text   string
}

// Scan evaluates every rule against every artifact. The result depends only
// on the artifact text; ctx carries tracing.
func (s *Scanner) Scan(ctx context.Context, artifacts map[string]string) *AnalysisReport {
	ctx, span := s.tracer.Start(ctx, "detector.scan")
	defer span.End()

	report := &AnalysisReport{
		Timestamp:          s.now().UTC(),
		Findings:           []Finding{},
		FindingsByCategory: make(map[Category][]Finding),
		Recommendations:    []Recommendation{},
		MinConfidence:      s.config.MinConfidence,
	}

	paths := make([]string, 0, len(artifacts))
	for p := range artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var matchTotal int64
	for _, path := range paths {
		text := artifacts[path]
		if !isText(text) {
			report.ArtifactsSkipped = append(report.ArtifactsSkipped, path)
			s.logger.Debug("skipping non-text artifact", zap.String("artifact", path))
			continue
		}
		report.ArtifactsScanned++

		findings, n := s.scanArtifact(ctx, path, text)
		matchTotal += n
		report.Findings = append(report.Findings, findings...)
	}

	sortFindings(report.Findings)
	for _, f := range report.Findings {
		report.FindingsByCategory[f.Category] = append(report.FindingsByCategory[f.Category], f)
		switch f.Severity {
		case Critical:
			report.Summary.Critical++
		case Warning:
			report.Summary.Warning++
		case Info:
			report.Summary.Info++
		}
		metrics.Findings.WithLabelValues(string(f.Category), string(f.Severity)).Inc()
	}
	report.Summary.Total = len(report.Findings)
	report.Recommendations = s.recommend(report.Findings)

	span.SetAttributes(
		attribute.Int("artifacts.scanned", report.ArtifactsScanned),
		attribute.Int("artifacts.skipped", len(report.ArtifactsSkipped)),
		attribute.Int("findings", report.Summary.Total),
		attribute.Int("findings.critical", report.Summary.Critical),
	)
	if s.scanCounter != nil {
		s.scanCounter.Add(ctx, 1)
	}
	if s.matchCounter != nil && matchTotal > 0 {
		s.matchCounter.Add(ctx, matchTotal)
	}

	s.logger.Debug("scan complete",
		zap.Int("artifacts", report.ArtifactsScanned),
		zap.Int("findings", report.Summary.Total),
		zap.Int("critical", report.Summary.Critical),
	)
	return report
}

// scanArtifact returns the aggregated findings for one artifact and the
// number of raw matches.
func (s *Scanner) scanArtifact(ctx context.Context, path, text string) ([]Finding, int64) {
	var fns []lexical.Function
	fnsLoaded := false
	functions := func() []lexical.Function {
		if !fnsLoaded {
			fns = lexical.Functions(text)
			fnsLoaded = true
		}
		return fns
	}

	byCategory := make(map[Category][]match)
	var total int64
	for _, rule := range s.rules {
		for _, m := range s.evaluate(rule, text, functions) {
			byCategory[rule.Category] = append(byCategory[rule.Category], m)
			total++
		}
	}

	if s.secrets != nil {
		hits, err := s.secrets.Detect(text)
		if err != nil {
			s.logger.Warn("secret detection failed", zap.String("artifact", path), zap.Error(err))
		}
		for _, hit := range hits {
			byCategory[Other] = append(byCategory[Other], secretMatch(text, hit))
			total++
		}
	}

	var findings []Finding
	for _, cat := range Categories() {
		matches := byCategory[cat]
		if len(matches) == 0 {
			continue
		}
		f := aggregate(path, cat, matches)
		if f.Confidence < s.config.MinConfidence {
			s.logger.Debug("discarding low-confidence finding",
				zap.String("artifact", path),
				zap.String("category", string(cat)),
				zap.Float64("confidence", f.Confidence),
			)
			continue
		}
		findings = append(findings, f)
	}
	return findings, total
}

// evaluate returns the accepted matches of one rule, deduplicated by offset.
func (s *Scanner) evaluate(rule *compiledRule, text string, functions func() []lexical.Function) []match {
	var out []match
	seen := make(map[int]bool)
	for _, re := range rule.patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			start := loc[0]
			if seen[start] {
				continue
			}
			var fn *lexical.Function
			if f, ok := innermost(functions(), start); ok {
				fn = &f
			}
			if rule.SelfReferential {
				if fn == nil || len(loc) < 4 || loc[2] < 0 || text[loc[2]:loc[3]] != fn.Name {
					continue
				}
			}
			regions := scopeRegions(rule.Scope, text, start, loc[1], fn)
			if !allMatch(rule.requires, regions) || anyMatch(rule.suppressors, regions) {
				continue
			}
			seen[start] = true
			out = append(out, match{
				rule:   rule,
				ruleID: rule.ID,
				start:  start,
				line:   lexical.LineOf(text, start),
				text:   text[start:loc[1]],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func innermost(fns []lexical.Function, idx int) (lexical.Function, bool) {
	var (
		best  lexical.Function
		found bool
	)
	for _, fn := range fns {
		if fn.Contains(idx) && (!found || fn.BodyOpen > best.BodyOpen) {
			best = fn
			found = true
		}
	}
	return best, found
}

// scopeRegions returns the text slices a rule's Requires and Suppressors
// are evaluated against.
func scopeRegions(scope Scope, text string, start, end int, fn *lexical.Function) []string {
	switch scope {
	case ScopeLine:
		ls, le := lexical.LineBounds(text, start)
		return []string{text[ls:le]}
	case ScopePreceding:
		from := 0
		if fn != nil {
			from = fn.BodyOpen + 1
		}
		return []string{text[from:start]}
	case ScopeFunction:
		if fn == nil {
			return []string{text}
		}
		return []string{text[fn.BodyOpen+1 : bodyEnd(text, *fn)]}
	case ScopeBlock:
		open := lexical.NextOpenBrace(text, end)
		if open < 0 {
			_, le := lexical.LineBounds(text, start)
			return []string{text[start:le]}
		}
		closeAt := lexical.MatchBrace(text, open)
		if closeAt < 0 {
			closeAt = len(text) - 1
		}
		return []string{text[open : closeAt+1]}
	case ScopeEnclosing:
		var headers []string
		for _, open := range lexical.EnclosingBraces(text, start) {
			ls, _ := lexical.LineBounds(text, open)
			headers = append(headers, strings.TrimRight(text[ls:open], " \t"))
		}
		return headers
	default:
		return []string{text}
	}
}

func bodyEnd(text string, fn lexical.Function) int {
	if fn.BodyClose < 0 {
		return len(text)
	}
	return fn.BodyClose
}

// allMatch reports whether every pattern matches some region.
func allMatch(patterns []*regexp.Regexp, regions []string) bool {
	for _, re := range patterns {
		if !matchesAny(re, regions) {
			return false
		}
	}
	return true
}

// anyMatch reports whether any pattern matches any region.
func anyMatch(patterns []*regexp.Regexp, regions []string) bool {
	for _, re := range patterns {
		if matchesAny(re, regions) {
			return true
		}
	}
	return false
}

func matchesAny(re *regexp.Regexp, regions []string) bool {
	for _, r := range regions {
		if re.MatchString(r) {
			return true
		}
	}
	return false
}

// aggregate folds the matches of one category into a finding.
func aggregate(path string, cat Category, matches []match) Finding {
	var (
		score    float64
		external = map[string]bool{}
		ruleIDs  []string
		seenRule = map[string]bool{}
		lead     = matches[0]
	)
	for _, m := range matches {
		score += m.rule.Weight
		if m.rule.ExternalCategory != "" {
			external[m.rule.ExternalCategory] = true
		}
		if !seenRule[m.ruleID] {
			seenRule[m.ruleID] = true
			ruleIDs = append(ruleIDs, m.ruleID)
		}
		lr, mr := lead.rule.Severity.Rank(), m.rule.Severity.Rank()
		if mr > lr || (mr == lr && m.start < lead.start) {
			lead = m
		}
	}
	score = math.Min(1, score)
	if len(external) > 0 {
		score = math.Min(1, score+externalBonus)
	}

	families := make([]string, 0, len(external))
	for fam := range external {
		families = append(families, fam)
	}
	sort.Strings(families)

	evidence := lead.text
	if lead.rule.ExternalCategory == FamilySecretExposure {
		evidence = maskSecret(evidence)
	}

	return Finding{
		ID:                 FindingID(path, cat),
		Category:           cat,
		Severity:           lead.rule.Severity,
		Evidence:           Evidence{Match: evidence, Line: lead.line},
		Confidence:         round3(score),
		SourceArtifact:     path,
		RuleIDs:            ruleIDs,
		Description:        lead.rule.Description,
		ExternalCategories: families,
		MatchCount:         len(matches),
	}
}

// FindingID derives a stable finding id from the artifact and category.
func FindingID(path string, cat Category) string {
	sum := sha256.Sum256([]byte(path + "\x00" + string(cat)))
	return "F-" + hex.EncodeToString(sum[:])[:12]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// isText rejects invalid UTF-8 and NUL-bearing content.
func isText(text string) bool {
	return utf8.ValidString(text) && !strings.ContainsRune(text, 0)
}

func maskSecret(s string) string {
	const keep = 8
	if len(s) <= keep {
		return "[REDACTED]"
	}
	return s[:keep] + "[REDACTED]"
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.SourceArtifact != b.SourceArtifact {
			return a.SourceArtifact < b.SourceArtifact
		}
		return a.Category < b.Category
	})
}

// recommend builds one recommendation per matched category.
func (s *Scanner) recommend(findings []Finding) []Recommendation {
	byCat := make(map[Category]*Recommendation)
	worst := make(map[Category]Severity)
	for _, f := range findings {
		rec, ok := byCat[f.Category]
		if !ok {
			rec = &Recommendation{Category: f.Category}
			byCat[f.Category] = rec
		}
		rec.FindingIDs = append(rec.FindingIDs, f.ID)
		if f.Severity.Rank() > worst[f.Category].Rank() {
			worst[f.Category] = f.Severity
			rec.Action = s.actionFor(f)
		}
	}

	order := make(map[Category]int)
	for i, c := range Categories() {
		order[c] = i
	}
	out := make([]Recommendation, 0, len(byCat))
	for cat, rec := range byCat {
		rec.Priority = PriorityFor(worst[cat])
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return order[out[i].Category] < order[out[j].Category]
	})
	return out
}

func (s *Scanner) actionFor(f Finding) string {
	for _, id := range f.RuleIDs {
		if strings.HasPrefix(id, secretRulePrefix) {
			return secretRule.Recommendation
		}
		for _, r := range s.rules {
			if r.ID == id && r.Severity == f.Severity && r.Recommendation != "" {
				return r.Recommendation
			}
		}
	}
	return categoryActions[f.Category]
}
