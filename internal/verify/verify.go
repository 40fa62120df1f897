// Package verify checks remediated artifacts for suspicious output.
//
// Every artifact a fix report changed is re-read and checked for bracket
// balance, for the guard marker of each fix applied to it and, when enabled,
// for tree-sitter syntax errors. Failed checks are warnings for human
// review; only failure to read an artifact is an error.
package verify

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/lexical"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/verify"

// Source says where verified text came from.
type Source string

const (
	SourceStore   Source = "store"   // re-read after a committed write
	SourcePlanned Source = "planned" // dry-run output, never written
)

// Result is the verification of one artifact.
type Result struct {
	Artifact       string              `json:"artifact"`
	Source         Source              `json:"source"`
	FixIDs         []string            `json:"fix_ids"`
	Categories     []detector.Category `json:"categories"`
	Balance        lexical.Balance     `json:"balance"`
	Balanced       bool                `json:"balanced"`
	MissingMarkers []string            `json:"missing_markers,omitempty"`
	SyntaxChecked  bool                `json:"syntax_checked"`
	Language       string              `json:"language,omitempty"`
	SyntaxErrors   []SyntaxError       `json:"syntax_errors,omitempty"`
	Passed         bool                `json:"passed"`
	Warnings       []string            `json:"warnings,omitempty"`
}

// Report aggregates artifact results.
type Report struct {
	Results  []Result `json:"results"`
	Passed   int      `json:"passed"`
	Warnings []string `json:"warnings"`
}

// Clean reports whether every artifact passed.
func (r *Report) Clean() bool {
	return len(r.Warnings) == 0
}

// Config configures the Verifier.
type Config struct {
	// Syntax enables tree-sitter parsing of JavaScript and TypeScript.
	Syntax bool
}

// Verifier checks remediated artifacts.
type Verifier struct {
	config *Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewVerifier creates a verifier.
func NewVerifier(cfg *Config, logger *zap.Logger) *Verifier {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{config: cfg, logger: logger, tracer: otel.Tracer(instrumentationName)}
}

// Verify checks every artifact fix changed. Written artifacts are re-read
// from store; planned changes are checked as planned text.
func (v *Verifier) Verify(ctx context.Context, fix *remediation.FixReport, store artifact.Store) (*Report, error) {
	ctx, span := v.tracer.Start(ctx, "verify.verify")
	defer span.End()

	report := &Report{Results: []Result{}, Warnings: []string{}}
	if fix == nil {
		return report, nil
	}

	for _, change := range fix.Changes {
		text := change.After
		src := SourcePlanned
		if change.Written {
			content, err := store.Read(ctx, change.Path)
			if err != nil {
				err = fmt.Errorf("re-reading %s: %w", change.Path, err)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return report, err
			}
			text = content
			src = SourceStore
		} else if fix.Status != remediation.ReportDryRun {
			// rolled back or never written
			continue
		}

		res, err := v.check(ctx, change.Path, text, fixesFor(fix, change.Path))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		res.Source = src
		if res.Passed {
			report.Passed++
		}
		report.Warnings = append(report.Warnings, res.Warnings...)
		report.Results = append(report.Results, res)
	}

	span.SetAttributes(
		attribute.Int("artifacts", len(report.Results)),
		attribute.Int("warnings", len(report.Warnings)),
	)
	if len(report.Warnings) > 0 {
		v.logger.Warn("verification flagged remediated artifacts",
			zap.Int("warnings", len(report.Warnings)),
			zap.Strings("details", report.Warnings),
		)
	}
	return report, nil
}

// Check verifies text against the markers of the given fixes.
func (v *Verifier) Check(ctx context.Context, path, text string, fixes []remediation.FixRecord) (Result, error) {
	return v.check(ctx, path, text, fixes)
}

func (v *Verifier) check(ctx context.Context, path, text string, fixes []remediation.FixRecord) (Result, error) {
	res := Result{Artifact: path, FixIDs: []string{}, Categories: []detector.Category{}}

	res.Balance = lexical.Count(text)
	res.Balanced = res.Balance.Balanced()
	if !res.Balanced {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: unbalanced brackets (braces %+d, parens %+d, brackets %+d)",
			path, res.Balance.Braces, res.Balance.Parens, res.Balance.Brackets))
	}

	seen := make(map[string]bool)
	for _, f := range fixes {
		res.FixIDs = append(res.FixIDs, f.ID)
		res.Categories = append(res.Categories, f.Category)
		if f.Marker == "" || seen[f.Marker] {
			continue
		}
		seen[f.Marker] = true
		if !strings.Contains(text, f.Marker) {
			res.MissingMarkers = append(res.MissingMarkers, f.Marker)
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: guard marker %q missing for %s fix", path, f.Marker, f.Category))
		}
	}

	if v.config.Syntax {
		lang := DetectLanguage(path)
		if lang != "" {
			errs, err := Syntax(ctx, lang, text)
			if err != nil {
				return res, fmt.Errorf("parsing %s: %w", path, err)
			}
			res.SyntaxChecked = true
			res.Language = lang
			res.SyntaxErrors = errs
			if len(errs) > 0 {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %d syntax error(s), first at line %d: %s",
					path, len(errs), errs[0].Line, errs[0].Message))
			}
		}
	}

	res.Passed = len(res.Warnings) == 0
	return res, nil
}

// fixesFor returns the applied or planned fixes for path.
func fixesFor(fix *remediation.FixReport, path string) []remediation.FixRecord {
	var out []remediation.FixRecord
	for _, f := range fix.Fixes {
		if f.Artifact != path {
			continue
		}
		if f.Status == remediation.StatusApplied || f.Status == remediation.StatusPlanned {
			out = append(out, f)
		}
	}
	return out
}
