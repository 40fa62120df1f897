package remediation

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/lexical"
)

var (
	retryReturnRe  = regexp.MustCompile(`return\s+(?:await\s+)?(?:this\.)?([A-Za-z_$][\w$]*)\s*\([^()]*?\b([A-Za-z_$][\w$]*)\s*\+\s*1\s*\)`)
	retryTimeoutRe = regexp.MustCompile(`setTimeout\s*\(\s*(?:async\s*)?\(\s*\)\s*=>\s*(?:this\.)?([A-Za-z_$][\w$]*)\s*\([^()]*?\b([A-Za-z_$][\w$]*)\s*\+\s*1\s*\)`)
	maxAttemptsRe  = regexp.MustCompile(`\b(?:const|let|var)\s+MAX_RETRY_ATTEMPTS\b`)
)

// retryGuard injects an attempt bound at the top of every self-retrying
// function whose counter is one of its parameters, and declares the bound
// once after the module preamble.
func retryGuard(maxAttempts int) TransformFunc {
	return func(text string, _ detector.Finding) (string, bool) {
		guardedFns := make(map[int]bool)
		var edits []edit
		for _, re := range []*regexp.Regexp{retryReturnRe, retryTimeoutRe} {
			for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
				name, counter := text[m[2]:m[3]], text[m[4]:m[5]]
				fn, ok := lexical.EnclosingFunction(text, m[0])
				if !ok || fn.Name != name || !slices.Contains(fn.Params, counter) || guardedFns[fn.BodyOpen] {
					continue
				}
				if boundCheck(counter).MatchString(text[fn.BodyOpen+1 : m[0]]) {
					continue
				}
				guardedFns[fn.BodyOpen] = true
				edits = append(edits, insertAt(fn.BodyOpen+1, guardClause(text, fn, counter)))
			}
		}
		if len(edits) == 0 {
			return text, false
		}

		if !maxAttemptsRe.MatchString(text) {
			at := preambleEnd(text)
			decl := fmt.Sprintf("const %s = %d;\n", MarkerRetryGuard, maxAttempts)
			if at > 0 && text[at-1] != '\n' {
				decl = "\n" + decl
			}
			edits = append(edits, insertAt(at, decl))
		}
		return applyEdits(text, edits), true
	}
}

func boundCheck(counter string) *regexp.Regexp {
	return regexp.MustCompile(`\bif\s*\([^)]*\b` + regexp.QuoteMeta(counter) + `\s*(?:>=|>)`)
}

func guardClause(text string, fn lexical.Function, counter string) string {
	throw := fmt.Sprintf("throw new Error('%s: retry limit exceeded');", fn.Name)
	cond := fmt.Sprintf("if (%s >= %s)", counter, MarkerRetryGuard)
	if !multiline(text, fn.BodyOpen) {
		return fmt.Sprintf(" %s { %s }", cond, throw)
	}
	indent := bodyIndent(text, fn.BodyOpen)
	return fmt.Sprintf("\n%s%s {\n%s  %s\n%s}", indent, cond, indent, throw, indent)
}
