// Package lexical provides tolerant, allocation-light scanning helpers for
// JavaScript and TypeScript-like source: brace matching that skips strings
// and comments, balance counting, and enclosing-function lookup.
//
// The helpers never fail on malformed input; unmatched constructs are
// reported through -1 offsets or non-zero balance counts.
package lexical

import (
	"regexp"
	"strings"
)

// LineOf returns the 1-based line number of byte offset idx.
func LineOf(text string, idx int) int {
	if idx > len(text) {
		idx = len(text)
	}
	if idx < 0 {
		idx = 0
	}
	return strings.Count(text[:idx], "\n") + 1
}

// LineBounds returns the start and end offsets of the line containing idx.
// end excludes the newline.
func LineBounds(text string, idx int) (int, int) {
	if idx > len(text) {
		idx = len(text)
	}
	start := strings.LastIndexByte(text[:idx], '\n') + 1
	end := strings.IndexByte(text[idx:], '\n')
	if end < 0 {
		return start, len(text)
	}
	return start, idx + end
}

// Indentation returns the leading whitespace of the line containing idx.
func Indentation(text string, idx int) string {
	start, end := LineBounds(text, idx)
	line := text[start:end]
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// walk visits every code byte of text, skipping string literals, template
// literals and comments. visit returns false to stop.
func walk(text string, visit func(i int, c byte) bool) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			nl := strings.IndexByte(text[i:], '\n')
			if nl < 0 {
				return
			}
			i += nl
			continue
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				return
			}
			i += end + 3
			continue
		case c == '"' || c == '\'' || c == '`':
			i = skipString(text, i)
			continue
		}
		if !visit(i, c) {
			return
		}
	}
}

// skipString returns the offset of the closing quote of the literal
// starting at i, or len(text)-1 when unterminated.
func skipString(text string, i int) int {
	quote := text[i]
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case quote:
			return j
		case '\n':
			if quote != '`' {
				return j
			}
		}
	}
	return len(text) - 1
}

// MatchBrace returns the offset of the '}' closing the '{' at open, or -1.
func MatchBrace(text string, open int) int {
	if open < 0 || open >= len(text) || text[open] != '{' {
		return -1
	}
	return MatchPair(text, open)
}

var closers = map[byte]byte{'{': '}', '(': ')', '[': ']'}

// MatchPair returns the offset of the bracket closing the '{', '(' or '['
// at open, or -1.
func MatchPair(text string, open int) int {
	if open < 0 || open >= len(text) {
		return -1
	}
	opener := text[open]
	closer, ok := closers[opener]
	if !ok {
		return -1
	}
	depth := 0
	result := -1
	walk(text[open:], func(i int, c byte) bool {
		switch c {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				result = open + i
				return false
			}
		}
		return true
	})
	return result
}

// NextOpenBrace returns the first code '{' at or after from, or -1.
func NextOpenBrace(text string, from int) int {
	if from < 0 || from >= len(text) {
		return -1
	}
	result := -1
	walk(text[from:], func(i int, c byte) bool {
		if c == '{' {
			result = from + i
			return false
		}
		return true
	})
	return result
}

// EnclosingBraces returns the offsets of every '{' still open at idx,
// outermost first.
func EnclosingBraces(text string, idx int) []int {
	if idx > len(text) {
		idx = len(text)
	}
	var stack []int
	walk(text[:idx], func(i int, c byte) bool {
		switch c {
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		return true
	})
	return stack
}

// Balance holds open-minus-close counts for each bracket pair.
type Balance struct {
	Braces   int `json:"braces"`
	Parens   int `json:"parens"`
	Brackets int `json:"brackets"`
}

// Balanced reports whether every pair is matched.
func (b Balance) Balanced() bool {
	return b.Braces == 0 && b.Parens == 0 && b.Brackets == 0
}

// Count tallies bracket balance outside strings and comments.
func Count(text string) Balance {
	var b Balance
	walk(text, func(_ int, c byte) bool {
		switch c {
		case '{':
			b.Braces++
		case '}':
			b.Braces--
		case '(':
			b.Parens++
		case ')':
			b.Parens--
		case '[':
			b.Brackets++
		case ']':
			b.Brackets--
		}
		return true
	})
	return b
}

// Function is a function-like construct with a braced body.
type Function struct {
	Name      string
	Params    []string
	Start     int // offset of the header
	BodyOpen  int // offset of '{'
	BodyClose int // offset of matching '}', -1 when unbalanced
}

// Contains reports whether idx lies inside the function body.
func (f Function) Contains(idx int) bool {
	return idx > f.BodyOpen && (f.BodyClose < 0 || idx < f.BodyClose)
}

var (
	declRe   = regexp.MustCompile(`(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)?\s*\(([^()]*(?:\([^()]*\)[^()]*)*)\)\s*(?::\s*[^{;]+)?\{`)
	arrowRe  = regexp.MustCompile(`(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=\s*(?:async\s*)?(?:\(([^()]*(?:\([^()]*\)[^()]*)*)\)|([A-Za-z_$][\w$]*))\s*(?::\s*[^=]+)?=>\s*\{`)
	methodRe = regexp.MustCompile(`(?m)(?:^|[{};])[ \t]*(?:(?:public|private|protected|static|async)\s+)*([A-Za-z_$][\w$]*)\s*\(([^();\n]*(?:\([^()\n]*\)[^();\n]*)*)\)[ \t]*(?::[ \t]*[^{;\n]+)?\{`)
)

var notMethods = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "with": true,
}

// Functions lists named and anonymous functions with braced bodies,
// ordered by header offset.
func Functions(text string) []Function {
	var fns []Function
	seen := make(map[int]bool)

	add := func(name, params string, start, open int) {
		if seen[open] {
			return
		}
		seen[open] = true
		fns = append(fns, Function{
			Name:      name,
			Params:    splitParams(params),
			Start:     start,
			BodyOpen:  open,
			BodyClose: MatchBrace(text, open),
		})
	}

	for _, m := range declRe.FindAllStringSubmatchIndex(text, -1) {
		add(group(text, m, 1), group(text, m, 2), m[0], m[1]-1)
	}
	for _, m := range arrowRe.FindAllStringSubmatchIndex(text, -1) {
		params := group(text, m, 2)
		if params == "" {
			params = group(text, m, 3)
		}
		add(group(text, m, 1), params, m[0], m[1]-1)
	}
	for _, m := range methodRe.FindAllStringSubmatchIndex(text, -1) {
		name := group(text, m, 1)
		if notMethods[name] {
			continue
		}
		add(name, group(text, m, 2), m[2], m[1]-1)
	}

	sortFunctions(fns)
	return fns
}

// EnclosingFunction returns the innermost function whose body contains idx.
func EnclosingFunction(text string, idx int) (Function, bool) {
	var (
		best  Function
		found bool
	)
	for _, fn := range Functions(text) {
		if fn.Contains(idx) && (!found || fn.BodyOpen > best.BodyOpen) {
			best = fn
			found = true
		}
	}
	return best, found
}

func group(text string, m []int, n int) string {
	if 2*n+1 >= len(m) || m[2*n] < 0 {
		return ""
	}
	return text[m[2*n]:m[2*n+1]]
}

// splitParams returns bare parameter names, dropping defaults, types and
// destructuring.
func splitParams(params string) []string {
	var names []string
	depth := 0
	current := strings.Builder{}
	flush := func() {
		p := strings.TrimSpace(current.String())
		current.Reset()
		if p == "" {
			return
		}
		p = strings.TrimPrefix(p, "...")
		if i := strings.IndexAny(p, "=:?"); i >= 0 {
			p = p[:i]
		}
		p = strings.TrimSpace(p)
		if p != "" && !strings.ContainsAny(p, "{[") {
			names = append(names, p)
		}
	}
	for _, r := range params {
		switch r {
		case '(', '{', '[', '<':
			depth++
		case ')', '}', ']', '>':
			depth--
		case ',':
			if depth == 0 {
				flush()
				continue
			}
		}
		current.WriteRune(r)
	}
	flush()
	return names
}

func sortFunctions(fns []Function) {
	for i := 1; i < len(fns); i++ {
		for j := i; j > 0 && fns[j].Start < fns[j-1].Start; j-- {
			fns[j], fns[j-1] = fns[j-1], fns[j]
		}
	}
}
