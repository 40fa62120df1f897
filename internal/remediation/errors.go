package remediation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/lexical"
)

var (
	emptyCatchRe        = regexp.MustCompile(`\bcatch\s*(?:\(\s*([A-Za-z_$][\w$]*)\s*\))?\s*\{\s*\}`)
	emptyPromiseCatchRe = regexp.MustCompile(`\.catch\s*\(\s*(?:\(\s*([A-Za-z_$][\w$]*)?\s*\)|([A-Za-z_$][\w$]*))\s*=>\s*(?:\{\s*\}|null|undefined)\s*\)`)
	storageParseRe      = regexp.MustCompile(`\bJSON\.parse\s*\(\s*(?:window\.)?(?:localStorage|sessionStorage)\.getItem\s*\(`)
	tryHeaderRe         = regexp.MustCompile(`\btry\s*$`)
)

// surfaceErrors logs swallowed errors and guards parsing of persisted state.
func surfaceErrors(text string, _ detector.Finding) (string, bool) {
	var edits []edit

	for _, m := range emptyCatchRe.FindAllStringSubmatchIndex(text, -1) {
		name := "err"
		if m[2] >= 0 {
			name = text[m[2]:m[3]]
		}
		edits = append(edits, edit{at: m[0], end: m[1], repl: fmt.Sprintf(
			"catch (%s) { console.error(%s); /* %s */ }", name, name, MarkerHandled,
		)})
	}

	for _, m := range emptyPromiseCatchRe.FindAllStringSubmatchIndex(text, -1) {
		name := "err"
		switch {
		case m[2] >= 0:
			name = text[m[2]:m[3]]
		case m[4] >= 0:
			name = text[m[4]:m[5]]
		}
		edits = append(edits, edit{at: m[0], end: m[1], repl: fmt.Sprintf(
			".catch((%s) => console.error(%s) /* %s */)", name, name, MarkerHandled,
		)})
	}

	for _, m := range storageParseRe.FindAllStringIndex(text, -1) {
		if insideTry(text, m[0]) {
			continue
		}
		open := m[0] + strings.IndexByte(text[m[0]:m[1]], '(')
		closeAt := lexical.MatchPair(text, open)
		if closeAt < 0 {
			continue
		}
		expr := text[m[0] : closeAt+1]
		edits = append(edits, edit{at: m[0], end: closeAt + 1, repl: fmt.Sprintf(
			"(() => { try { return %s; } catch (err) { console.error(err); /* %s */ return null; } })()",
			expr, MarkerHandled,
		)})
	}

	if len(edits) == 0 {
		return text, false
	}
	return applyEdits(text, edits), true
}

func insideTry(text string, idx int) bool {
	for _, open := range lexical.EnclosingBraces(text, idx) {
		ls, _ := lexical.LineBounds(text, open)
		if tryHeaderRe.MatchString(strings.TrimRight(text[ls:open], " \t")) {
			return true
		}
	}
	return false
}
