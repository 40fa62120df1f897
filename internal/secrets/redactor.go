package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultMask replaces every redacted span.
const DefaultMask = "[REDACTED]"

// Match locates one redacted span in the input.
type Match struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type compiledRule struct {
	id       string
	re       *regexp.Regexp
	keywords []string
}

// Redactor masks credentials. A nil *Redactor passes input through
// unchanged.
type Redactor struct {
	rules []compiledRule
	allow []*regexp.Regexp
	mask  string
}

// Option configures a Redactor.
type Option func(*Redactor) error

// WithRules adds rules after the defaults.
func WithRules(rules ...Rule) Option {
	return func(r *Redactor) error {
		for i, rule := range rules {
			c, err := compile(rule)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			r.rules = append(r.rules, c)
		}
		return nil
	}
}

// WithAllowList skips matches that any of the patterns match.
func WithAllowList(patterns ...string) Option {
	return func(r *Redactor) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list pattern %q: %w", p, err)
			}
			r.allow = append(r.allow, re)
		}
		return nil
	}
}

// WithMask sets the replacement text.
func WithMask(mask string) Option {
	return func(r *Redactor) error {
		if mask == "" {
			return fmt.Errorf("mask must not be empty")
		}
		r.mask = mask
		return nil
	}
}

// New compiles DefaultRules plus any options.
func New(opts ...Option) (*Redactor, error) {
	r := &Redactor{mask: DefaultMask}
	if err := WithRules(DefaultRules()...)(r); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func compile(rule Rule) (compiledRule, error) {
	if rule.ID == "" {
		return compiledRule{}, fmt.Errorf("id is required")
	}
	if rule.Pattern == "" {
		return compiledRule{}, fmt.Errorf("%s: pattern is required", rule.ID)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("%s: invalid pattern: %w", rule.ID, err)
	}
	kws := make([]string, 0, len(rule.Keywords))
	for _, kw := range rule.Keywords {
		kws = append(kws, strings.ToLower(kw))
	}
	return compiledRule{id: rule.ID, re: re, keywords: kws}, nil
}

// Redact returns s with every credential masked, plus the masked spans in
// s. Overlapping spans from different rules are merged.
func (r *Redactor) Redact(s string) (string, []Match) {
	if r == nil || s == "" {
		return s, nil
	}

	var lower string
	var spans []Match
	for _, rule := range r.rules {
		if len(rule.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(s)
			}
			if !containsAny(lower, rule.keywords) {
				continue
			}
		}
		for _, loc := range rule.re.FindAllStringSubmatchIndex(s, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			if start == end || r.allowed(s[start:end]) {
				continue
			}
			spans = append(spans, Match{RuleID: rule.id, Start: start, End: end})
		}
	}
	if len(spans) == 0 {
		return s, nil
	}

	spans = merge(spans)
	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, m := range spans {
		b.WriteString(s[prev:m.Start])
		b.WriteString(r.mask)
		prev = m.End
	}
	b.WriteString(s[prev:])
	return b.String(), spans
}

// RedactJSON redacts every string literal in a JSON document and returns
// the new document with the number of masked spans. Layout and key order
// are preserved. Input that is not valid JSON is returned from the first
// undecodable literal onwards unchanged.
func (r *Redactor) RedactJSON(data []byte) ([]byte, int) {
	if r == nil {
		return data, 0
	}
	var out bytes.Buffer
	out.Grow(len(data))
	total := 0
	for i := 0; i < len(data); {
		if data[i] != '"' {
			out.WriteByte(data[i])
			i++
			continue
		}
		end := literalEnd(data, i)
		lit := data[i:end]
		var s string
		if err := json.Unmarshal(lit, &s); err != nil {
			out.Write(data[i:])
			break
		}
		red, spans := r.Redact(s)
		if len(spans) == 0 {
			out.Write(lit)
		} else {
			enc, err := json.Marshal(red)
			if err != nil {
				out.Write(lit)
			} else {
				out.Write(enc)
				total += len(spans)
			}
		}
		i = end
	}
	return out.Bytes(), total
}

// literalEnd returns the index just past the string literal opening at
// start.
func literalEnd(data []byte, start int) int {
	for j := start + 1; j < len(data); j++ {
		switch data[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(data)
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func merge(spans []Match) []Match {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	merged := spans[:1]
	for _, m := range spans[1:] {
		last := &merged[len(merged)-1]
		if m.Start < last.End {
			if m.End > last.End {
				last.End = m.End
			}
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
