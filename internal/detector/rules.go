package detector

import (
	"errors"
	"fmt"
	"regexp"
)

// Scope bounds the text a rule's Requires and Suppressors are matched against.
type Scope string

const (
	// ScopeLine is the line holding the match.
	ScopeLine Scope = "line"
	// ScopePreceding runs from the enclosing function's body to the match.
	ScopePreceding Scope = "preceding"
	// ScopeFunction is the enclosing function's body.
	ScopeFunction Scope = "function"
	// ScopeBlock is the block opened by the first '{' after the match.
	ScopeBlock Scope = "block"
	// ScopeEnclosing is the header text before each enclosing '{'.
	ScopeEnclosing Scope = "enclosing"
	// ScopeArtifact is the whole artifact.
	ScopeArtifact Scope = "artifact"
)

func (s Scope) valid() bool {
	switch s {
	case ScopeLine, ScopePreceding, ScopeFunction, ScopeBlock, ScopeEnclosing, ScopeArtifact:
		return true
	}
	return false
}

// Rule is one detection pattern. A match counts when every Requires pattern
// matches within Scope and no Suppressor does.
type Rule struct {
	ID               string   `toml:"id"`
	Category         Category `toml:"category"`
	Severity         Severity `toml:"severity"`
	Description      string   `toml:"description"`
	Patterns         []string `toml:"patterns"`
	Requires         []string `toml:"requires"`
	Suppressors      []string `toml:"suppressors"`
	Scope            Scope    `toml:"scope"`
	Weight           float64  `toml:"weight"`
	ExternalCategory string   `toml:"external_category"`
	Recommendation   string   `toml:"recommendation"`

	// SelfReferential requires capture group 1 of the pattern to name the
	// enclosing function.
	SelfReferential bool `toml:"self_referential"`
}

// ErrInvalidRule is returned for rules that fail validation.
var ErrInvalidRule = errors.New("invalid rule")

type compiledRule struct {
	Rule
	patterns    []*regexp.Regexp
	requires    []*regexp.Regexp
	suppressors []*regexp.Regexp
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func compileRule(r Rule) (*compiledRule, error) {
	switch {
	case r.ID == "":
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	case !r.Category.Valid():
		return nil, fmt.Errorf("%w: %s: unknown category %q", ErrInvalidRule, r.ID, r.Category)
	case r.Severity.Rank() == 0:
		return nil, fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, r.ID, r.Severity)
	case len(r.Patterns) == 0:
		return nil, fmt.Errorf("%w: %s: at least one pattern is required", ErrInvalidRule, r.ID)
	case r.Weight <= 0 || r.Weight > 1:
		return nil, fmt.Errorf("%w: %s: weight must be in (0, 1]", ErrInvalidRule, r.ID)
	}
	if r.Scope == "" {
		r.Scope = ScopeArtifact
	}
	if !r.Scope.valid() {
		return nil, fmt.Errorf("%w: %s: unknown scope %q", ErrInvalidRule, r.ID, r.Scope)
	}

	cr := &compiledRule{Rule: r}
	var err error
	if cr.patterns, err = compileAll(r.Patterns); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
	}
	if cr.requires, err = compileAll(r.Requires); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
	}
	if cr.suppressors, err = compileAll(r.Suppressors); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
	}
	if r.SelfReferential {
		for _, re := range cr.patterns {
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("%w: %s: self-referential pattern needs a capture group", ErrInvalidRule, r.ID)
			}
		}
	}
	return cr, nil
}

// Known external families.
const (
	FamilyPaymentWebhook     = "payment-webhook"
	FamilySessionPersistence = "session-persistence"
	FamilySecretExposure     = "secret-exposure"
)

const ident = `([A-Za-z_$][\w$]*)`

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "recursion-unbounded-retry",
			Category:    InfiniteRecursion,
			Severity:    Critical,
			Description: "Function retries itself with an incremented counter and no attempt limit",
			Patterns: []string{
				`return\s+(?:await\s+)?(?:this\.)?` + ident + `\s*\([^()]*\b\w+\s*\+\s*1\s*\)`,
				`setTimeout\s*\(\s*(?:async\s*)?\(\s*\)\s*=>\s*(?:this\.)?` + ident + `\s*\(`,
			},
			Suppressors: []string{
				`\bif\s*\([^)]*\b\w*(?:count|attempt|retr|tries|depth)\w*\s*(?:>=|>|===|==)`,
				`\bif\s*\([^)]*(?:<|<=|>=|>)\s*[\w.]*(?:max|limit)\w*`,
			},
			Scope:           ScopePreceding,
			Weight:          0.6,
			SelfReferential: true,
			Recommendation:  "Bound retries with a maximum attempt count and fail once it is reached",
		},
		{
			ID:             "loop-without-exit",
			Category:       InfiniteRecursion,
			Severity:       Warning,
			Description:    "Unconditional loop with no break, return or throw",
			Patterns:       []string{`\bwhile\s*\(\s*(?:true|1)\s*\)`, `\bfor\s*\(\s*;\s*;\s*\)`},
			Suppressors:    []string{`\bbreak\b`, `\breturn\b`, `\bthrow\b`},
			Scope:          ScopeBlock,
			Weight:         0.3,
			Recommendation: "Give unconditional loops an explicit exit condition",
		},
		{
			ID:             "interval-without-clear",
			Category:       ResourceLeak,
			Severity:       Warning,
			Description:    "setInterval handle is never cleared",
			Patterns:       []string{`\bsetInterval\s*\(`},
			Suppressors:    []string{`\bclearInterval\s*\(`},
			Scope:          ScopeArtifact,
			Weight:         0.35,
			Recommendation: "Release timers, listeners and subscriptions when their owner is torn down",
		},
		{
			ID:             "listener-without-removal",
			Category:       ResourceLeak,
			Severity:       Warning,
			Description:    "Event listener is registered but never removed",
			Patterns:       []string{`\.addEventListener\s*\(`},
			Suppressors:    []string{`\.removeEventListener\s*\(`, `\bonce\s*:\s*true`},
			Scope:          ScopeArtifact,
			Weight:         0.35,
			Recommendation: "Release timers, listeners and subscriptions when their owner is torn down",
		},
		{
			ID:             "subscription-without-unsubscribe",
			Category:       ResourceLeak,
			Severity:       Warning,
			Description:    "Subscription is opened but never unsubscribed",
			Patterns:       []string{`\.subscribe\s*\(`},
			Suppressors:    []string{`\bunsubscribe\b`},
			Scope:          ScopeArtifact,
			Weight:         0.35,
			Recommendation: "Release timers, listeners and subscriptions when their owner is torn down",
		},
		{
			ID:             "socket-without-close",
			Category:       ResourceLeak,
			Severity:       Warning,
			Description:    "Socket or event stream is opened but never closed",
			Patterns:       []string{`\bnew\s+(?:WebSocket|EventSource)\s*\(`},
			Suppressors:    []string{`\.close\s*\(`},
			Scope:          ScopeArtifact,
			Weight:         0.35,
			Recommendation: "Release timers, listeners and subscriptions when their owner is torn down",
		},
		{
			ID:             "effect-without-cleanup",
			Category:       MissingCleanup,
			Severity:       Warning,
			Description:    "Effect acquires a resource but returns no cleanup function",
			Patterns:       []string{`\buseEffect\s*\(`},
			Requires:       []string{`\bsetInterval\s*\(|\bsetTimeout\s*\(|\.addEventListener\s*\(|\.subscribe\s*\(|\bnew\s+(?:WebSocket|EventSource)\s*\(`},
			Suppressors:    []string{`\breturn\s*(?:\(\s*\)\s*=>|function\b|\w+\s*;)`},
			Scope:          ScopeBlock,
			Weight:         0.4,
			Recommendation: "Return a cleanup function from effects that acquire resources",
		},
		{
			ID:               "session-storage-without-removal",
			Category:         MissingCleanup,
			Severity:         Info,
			Description:      "Session state is persisted but never removed",
			Patterns:         []string{`\bsessionStorage\.setItem\s*\(`},
			Suppressors:      []string{`\bsessionStorage\.(?:removeItem|clear)\s*\(`},
			Scope:            ScopeArtifact,
			Weight:           0.3,
			ExternalCategory: FamilySessionPersistence,
			Recommendation:   "Clear persisted session state on logout or completion",
		},
		{
			ID:             "empty-catch",
			Category:       InsufficientErrorHandling,
			Severity:       Warning,
			Description:    "Exception is caught and silently discarded",
			Patterns:       []string{`\bcatch\s*(?:\(\s*[\w$]*\s*\))?\s*\{\s*\}`},
			Scope:          ScopeLine,
			Weight:         0.3,
			Recommendation: "Log or propagate caught errors instead of discarding them",
		},
		{
			ID:             "empty-promise-catch",
			Category:       InsufficientErrorHandling,
			Severity:       Warning,
			Description:    "Promise rejection is swallowed",
			Patterns:       []string{`\.catch\s*\(\s*(?:\(\s*[\w$]*\s*\)|[\w$]+)\s*=>\s*(?:\{\s*\}|null|undefined)\s*\)`},
			Scope:          ScopeLine,
			Weight:         0.3,
			Recommendation: "Log or propagate caught errors instead of discarding them",
		},
		{
			ID:             "unchecked-fetch",
			Category:       InsufficientErrorHandling,
			Severity:       Info,
			Description:    "fetch response is used without checking its status",
			Patterns:       []string{`\bawait\s+fetch\s*\(`},
			Suppressors:    []string{`\.ok\b`, `\.status\b`, `\btry\b`, `\.catch\s*\(`},
			Scope:          ScopeFunction,
			Weight:         0.15,
			Recommendation: "Check response status before consuming fetch results",
		},
		{
			ID:               "storage-json-parse",
			Category:         InsufficientErrorHandling,
			Severity:         Warning,
			Description:      "Persisted JSON is parsed without guarding against corruption",
			Patterns:         []string{`\bJSON\.parse\s*\(\s*(?:window\.)?(?:localStorage|sessionStorage)\.getItem\s*\(`},
			Suppressors:      []string{`\btry\s*$`},
			Scope:            ScopeEnclosing,
			Weight:           0.25,
			ExternalCategory: FamilySessionPersistence,
			Recommendation:   "Guard parsing of persisted state and fall back to a clean default",
		},
		{
			ID:             "dangerous-html",
			Category:       InjectionRisk,
			Severity:       Critical,
			Description:    "Markup is injected without sanitization",
			Patterns:       []string{`\bdangerouslySetInnerHTML\s*=`, `\.innerHTML\s*=[^=]`, `\bdocument\.write\s*\(`},
			Suppressors:    []string{`\bDOMPurify\b`, `\bsanitize\w*\s*\(`},
			Scope:          ScopeLine,
			Weight:         0.4,
			Recommendation: "Sanitize untrusted markup before rendering it",
		},
		{
			ID:             "dynamic-eval",
			Category:       InjectionRisk,
			Severity:       Critical,
			Description:    "Code is evaluated from a dynamic string",
			Patterns:       []string{`\beval\s*\(`, `\bnew\s+Function\s*\(`},
			Scope:          ScopeLine,
			Weight:         0.5,
			Recommendation: "Remove dynamic code evaluation",
		},
		{
			ID:             "sql-concatenation",
			Category:       InjectionRisk,
			Severity:       Critical,
			Description:    "SQL statement is built by string concatenation",
			Patterns:       []string{`["'` + "`" + `]\s*(?:SELECT|INSERT|UPDATE|DELETE)\b[^"'` + "`" + `]*["'` + "`" + `]\s*\+\s*[\w$.]+`, "`\\s*(?:SELECT|INSERT|UPDATE|DELETE)\\b[^`]*\\$\\{"},
			Scope:          ScopeLine,
			Weight:         0.5,
			Recommendation: "Use parameterized queries",
		},
		{
			ID:               "webhook-unverified",
			Category:         InjectionRisk,
			Severity:         Critical,
			Description:      "Payment webhook payload is trusted without verifying its signature",
			Patterns:         []string{`\b(?:req|request)\.body\b`, `\bawait\s+(?:req|request)\.json\s*\(`},
			Requires:         []string{`webhook`},
			Suppressors:      []string{`\bconstructEvent\s*\(`, `\bverify\w*Signature\s*\(`, `\bsignature\b`},
			Scope:            ScopeArtifact,
			Weight:           0.3,
			ExternalCategory: FamilyPaymentWebhook,
			Recommendation:   "Verify webhook signatures before acting on the payload",
		},
		{
			ID:               "stripe-live-key",
			Category:         Other,
			Severity:         Critical,
			Description:      "Live payment secret key is embedded in source",
			Patterns:         []string{`\b[sr]k_live_[0-9a-zA-Z]{10,}`},
			Scope:            ScopeLine,
			Weight:           0.8,
			ExternalCategory: FamilySecretExposure,
			Recommendation:   "Move secrets to the environment and rotate the exposed key",
		},
	}
}

// categoryActions is the fallback recommendation per category.
var categoryActions = map[Category]string{
	InfiniteRecursion:         "Bound recursion and retries with explicit limits",
	ResourceLeak:              "Release timers, listeners and subscriptions when their owner is torn down",
	MissingCleanup:            "Add cleanup paths for acquired resources and persisted state",
	InsufficientErrorHandling: "Log or propagate errors instead of discarding them",
	InjectionRisk:             "Sanitize or parameterize untrusted input",
	Other:                     "Review and resolve the reported issue",
}
