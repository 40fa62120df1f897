package remediation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/lexical"
)

// edit replaces text[at:end] with repl; end == at inserts.
type edit struct {
	at, end int
	repl    string
}

func insertAt(at int, repl string) edit {
	return edit{at: at, end: at, repl: repl}
}

// applyEdits applies non-overlapping edits back to front. Overlapping edits
// after the first are dropped.
func applyEdits(text string, edits []edit) string {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].at > edits[j].at })
	limit := len(text) + 1
	for _, e := range edits {
		if e.end > limit || e.at > e.end {
			continue
		}
		text = text[:e.at] + e.repl + text[e.end:]
		limit = e.at
	}
	return text
}

var (
	directiveRe        = regexp.MustCompile(`^['"]use [\w ]+['"];?$`)
	sideEffectImportRe = regexp.MustCompile(`^import\s+['"]`)
)

// preambleEnd returns the offset just past the leading directives and
// import statements, where module-level declarations can be added.
func preambleEnd(text string) int {
	last, off := 0, 0
	inImport := false
	for off < len(text) {
		next := len(text)
		if nl := strings.IndexByte(text[off:], '\n'); nl >= 0 {
			next = off + nl + 1
		}
		line := strings.TrimSpace(text[off:next])
		switch {
		case inImport:
			if strings.Contains(line, "from ") || strings.HasSuffix(line, ";") {
				inImport = false
				last = next
			}
		case line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "/*") || strings.HasPrefix(line, "*"):
		case directiveRe.MatchString(line):
			last = next
		case strings.HasPrefix(line, "import "):
			if strings.Contains(line, " from ") || sideEffectImportRe.MatchString(line) || strings.HasSuffix(line, ";") {
				last = next
			} else {
				inImport = true
			}
		default:
			return last
		}
		off = next
	}
	return last
}

// statementEnd returns the offset just past the call whose '(' is at open,
// including a trailing ';'. ok is false when the call is unterminated or
// more code follows on the same line.
func statementEnd(text string, open int) (int, bool) {
	closeAt := lexical.MatchPair(text, open)
	if closeAt < 0 {
		return 0, false
	}
	end := closeAt + 1
	if end < len(text) && text[end] == ';' {
		end++
	}
	rest := text[end:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)
	if rest != "" && !strings.HasPrefix(rest, "//") {
		return 0, false
	}
	return end, true
}

// startsLine reports whether only whitespace precedes idx on its line.
func startsLine(text string, idx int) bool {
	ls, _ := lexical.LineBounds(text, idx)
	return strings.TrimSpace(text[ls:idx]) == ""
}

// bodyIndent returns the indentation used inside the block opened at open.
func bodyIndent(text string, open int) string {
	closeAt := lexical.MatchBrace(text, open)
	nl := strings.IndexByte(text[open:], '\n')
	if nl >= 0 && (closeAt < 0 || open+nl < closeAt) {
		lineStart := open + nl + 1
		for lineStart < len(text) {
			ls, le := lexical.LineBounds(text, lineStart)
			if strings.TrimSpace(text[ls:le]) != "" && (closeAt < 0 || ls < closeAt) {
				return lexical.Indentation(text, ls)
			}
			if le >= len(text) || (closeAt >= 0 && le >= closeAt) {
				break
			}
			lineStart = le + 1
		}
	}
	return lexical.Indentation(text, open) + "  "
}

// multiline reports whether the block opened at open spans lines.
func multiline(text string, open int) bool {
	closeAt := lexical.MatchBrace(text, open)
	if closeAt < 0 {
		return false
	}
	return strings.Contains(text[open:closeAt], "\n")
}
