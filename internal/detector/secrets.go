package detector

import (
	"fmt"
	"regexp"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// SecretHit is one detected credential. Match holds the raw secret and must
// never leave the package unmasked.
type SecretHit struct {
	RuleID      string
	Description string
	Line        int
	StartCol    int
	Match       string
}

// SecretDetector finds embedded credentials in artifact text.
type SecretDetector interface {
	Detect(content string) ([]SecretHit, error)
}

const (
	secretRulePrefix = "gitleaks:"
	secretWeight     = 0.8
)

// secretRule carries the scoring attributes shared by every gitleaks hit.
var secretRule = &compiledRule{Rule: Rule{
	ID:               "gitleaks",
	Category:         Other,
	Severity:         Critical,
	Description:      "Credential is embedded in source",
	Weight:           secretWeight,
	ExternalCategory: FamilySecretExposure,
	Recommendation:   "Move secrets to the environment and rotate the exposed key",
}}

type gitleaksDetector struct {
	allowlist *Allowlist
}

// NewGitleaksDetector returns a SecretDetector backed by the gitleaks default
// ruleset. allowlist may be nil.
func NewGitleaksDetector(allowlist *Allowlist) SecretDetector {
	return &gitleaksDetector{allowlist: allowlist}
}

// Detect scans content with a fresh gitleaks detector; gitleaks detectors
// keep per-scan state and are not reused across calls.
func (g *gitleaksDetector) Detect(content string) ([]SecretHit, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if g.allowlist != nil && !g.allowlist.Empty() {
		if err := applyAllowlist(&d.Config, g.allowlist); err != nil {
			return nil, err
		}
	}

	found := d.DetectString(content)
	hits := make([]SecretHit, 0, len(found))
	for _, f := range found {
		hits = append(hits, SecretHit{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartCol:    f.StartColumn,
			Match:       f.Secret,
		})
	}
	return hits, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	entry := &gitleaksConfig.Allowlist{
		Description: "fixd allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidAllowlist, pattern, err)
		}
		entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidAllowlist, pattern, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	entry.StopWords = append(entry.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}

// secretMatch converts a hit into an aggregatable match.
func secretMatch(text string, hit SecretHit) match {
	line := hit.Line
	if line < 1 {
		line = 1
	}
	start := lineOffset(text, line) + max(hit.StartCol-1, 0)
	if start > len(text) {
		start = len(text)
	}
	return match{
		rule:   secretRule,
		ruleID: secretRulePrefix + hit.RuleID,
		start:  start,
		line:   line,
		text:   hit.Match,
	}
}

// lineOffset returns the byte offset where 1-based line n starts.
func lineOffset(text string, n int) int {
	off := 0
	for i := 1; i < n; i++ {
		nl := strings.IndexByte(text[off:], '\n')
		if nl < 0 {
			return len(text)
		}
		off += nl + 1
	}
	return off
}
