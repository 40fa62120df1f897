package remediation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/lexical"
)

// effectCallback matches a parameterless effect callback header up to its
// body: `() =>`, `async () =>`, `function ()` or `async function name()`.
const effectCallback = `(?:async\s*)?(?:\(\s*\)\s*=>|function(?:\s+[A-Za-z_$][\w$]*)?\s*\(\s*\))`

var (
	timerRe        = regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(setInterval|setTimeout)\s*\(`)
	listenerRe     = regexp.MustCompile(`([A-Za-z_$][\w$.]*)\.addEventListener\s*\(\s*['"]([\w:-]+)['"]\s*,\s*([A-Za-z_$][\w$.]*)\s*[,)]`)
	subscriptionRe = regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*[\w$.()]+\.subscribe\s*\(`)
	socketRe       = regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*new\s+(?:WebSocket|EventSource)\s*\(`)

	effectRe        = regexp.MustCompile(`\buseEffect\s*\(\s*` + effectCallback + `\s*\{`)
	effectHeaderRe  = regexp.MustCompile(`\buseEffect\s*\(\s*` + effectCallback + `\s*$`)
	acquireRe       = regexp.MustCompile(`\bsetInterval\s*\(|\bsetTimeout\s*\(|\.addEventListener\s*\(|\.subscribe\s*\(|\bnew\s+(?:WebSocket|EventSource)\s*\(`)
	cleanupReturnRe = regexp.MustCompile(`\breturn\s+` + effectCallback + `\s*\{|\breturn\s*\(\s*\)\s*=>\s*\{`)
	anyReturnRe     = regexp.MustCompile(`\breturn\s*(?:\(\s*\)\s*=>|function\b|\w+\s*;)`)
)

// acquisition is a resource acquired by one statement and the call that
// releases it.
type acquisition struct {
	start    int
	end      int
	teardown string
}

// acquisitions finds releasable acquisitions whose teardown is missing
// from text.
func acquisitions(text string) []acquisition {
	var out []acquisition
	add := func(start, open int, teardown string, present *regexp.Regexp) {
		if present.MatchString(text) || !startsLine(text, start) {
			return
		}
		end, ok := statementEnd(text, open)
		if !ok {
			return
		}
		out = append(out, acquisition{start: start, end: end, teardown: teardown})
	}

	for _, m := range timerRe.FindAllStringSubmatchIndex(text, -1) {
		id, kind := text[m[2]:m[3]], text[m[4]:m[5]]
		clear := "clearInterval"
		if kind == "setTimeout" {
			clear = "clearTimeout"
		}
		present := regexp.MustCompile(`\bclear(?:Interval|Timeout)\s*\(\s*` + regexp.QuoteMeta(id) + `\s*\)`)
		add(m[0], m[1]-1, fmt.Sprintf("%s(%s);", clear, id), present)
	}
	for _, m := range listenerRe.FindAllStringSubmatchIndex(text, -1) {
		target, event, handler := text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]
		open := m[0] + strings.Index(text[m[0]:m[1]], "(")
		present := regexp.MustCompile(`\.removeEventListener\s*\(\s*['"]` + regexp.QuoteMeta(event) + `['"]\s*,\s*` + regexp.QuoteMeta(handler) + `\b`)
		add(m[0], open, fmt.Sprintf("%s.removeEventListener('%s', %s);", target, event, handler), present)
	}
	for _, m := range subscriptionRe.FindAllStringSubmatchIndex(text, -1) {
		id := text[m[2]:m[3]]
		present := regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\.unsubscribe\s*\(`)
		add(m[0], m[1]-1, id+".unsubscribe();", present)
	}
	for _, m := range socketRe.FindAllStringSubmatchIndex(text, -1) {
		id := text[m[2]:m[3]]
		present := regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\.close\s*\(`)
		add(m[0], m[1]-1, id+".close();", present)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// enclosingEffect returns the '{' of the useEffect callback body holding idx.
func enclosingEffect(text string, idx int) (int, bool) {
	braces := lexical.EnclosingBraces(text, idx)
	for i := len(braces) - 1; i >= 0; i-- {
		ls, _ := lexical.LineBounds(text, braces[i])
		if effectHeaderRe.MatchString(strings.TrimRight(text[ls:braces[i]], " \t")) {
			return braces[i], true
		}
	}
	return 0, false
}

// effectCleanup gives effects that acquire resources a returned cleanup
// function, releasing whatever acquisitions it can identify.
func effectCleanup(text string, _ detector.Finding) (string, bool) {
	pending := acquisitions(text)
	var edits []edit
	for _, m := range effectRe.FindAllStringIndex(text, -1) {
		open := m[1] - 1
		closeAt := lexical.MatchBrace(text, open)
		if closeAt < 0 {
			continue
		}
		body := text[open : closeAt+1]
		if !acquireRe.MatchString(body) || anyReturnRe.MatchString(body) {
			continue
		}
		var teardowns []string
		for _, a := range pending {
			if a.start > open && a.start < closeAt {
				teardowns = append(teardowns, a.teardown)
			}
		}
		e, ok := cleanupEdit(text, open, teardowns)
		if ok {
			edits = append(edits, e)
		}
	}
	if len(edits) == 0 {
		return text, false
	}
	return applyEdits(text, edits), true
}

// resourceTeardown releases leaked acquisitions: inside an effect through
// its cleanup function, elsewhere on page unload.
func resourceTeardown(text string, _ detector.Finding) (string, bool) {
	byEffect := make(map[int][]string)
	var (
		effects []int
		edits   []edit
	)
	for _, a := range acquisitions(text) {
		if open, ok := enclosingEffect(text, a.start); ok {
			if _, seen := byEffect[open]; !seen {
				effects = append(effects, open)
			}
			byEffect[open] = append(byEffect[open], a.teardown)
			continue
		}
		indent := lexical.Indentation(text, a.start)
		edits = append(edits, insertAt(a.end, fmt.Sprintf(
			"\n%sif (typeof window !== 'undefined') window.addEventListener('beforeunload', () => { %s }, { once: true }); /* %s */",
			indent, a.teardown, MarkerCleanup,
		)))
	}
	for _, open := range effects {
		if e, ok := cleanupEdit(text, open, byEffect[open]); ok {
			edits = append(edits, e)
		}
	}
	if len(edits) == 0 {
		return text, false
	}
	return applyEdits(text, edits), true
}

// cleanupEdit adds teardowns to the effect body opened at open: into an
// existing braced cleanup function, or as a new one before the body closes.
// Effects returning any other cleanup shape are left alone.
func cleanupEdit(text string, open int, teardowns []string) (edit, bool) {
	closeAt := lexical.MatchBrace(text, open)
	if closeAt < 0 {
		return edit{}, false
	}
	body := text[open:closeAt]

	if loc := cleanupReturnRe.FindStringIndex(body); loc != nil {
		if len(teardowns) == 0 {
			return edit{}, false
		}
		brace := open + loc[1] - 1
		indent := lexical.Indentation(text, open+loc[0]) + "  "
		var b strings.Builder
		for _, td := range teardowns {
			fmt.Fprintf(&b, "\n%s%s /* %s */", indent, td, MarkerCleanup)
		}
		return insertAt(brace+1, b.String()), true
	}
	if anyReturnRe.MatchString(body) {
		return edit{}, false
	}

	if !multiline(text, open) {
		stmts := strings.Join(teardowns, " ")
		if stmts != "" {
			stmts += " "
		}
		return insertAt(closeAt, fmt.Sprintf("return () => { %s/* %s */ }; ", stmts, MarkerCleanup)), true
	}

	indent := bodyIndent(text, open)
	var b strings.Builder
	fmt.Fprintf(&b, "%sreturn () => {\n", indent)
	if len(teardowns) == 0 {
		fmt.Fprintf(&b, "%s  /* %s */\n", indent, MarkerCleanup)
	}
	for _, td := range teardowns {
		fmt.Fprintf(&b, "%s  %s /* %s */\n", indent, td, MarkerCleanup)
	}
	fmt.Fprintf(&b, "%s};\n", indent)

	ls, _ := lexical.LineBounds(text, closeAt)
	if strings.TrimSpace(text[ls:closeAt]) == "" {
		return insertAt(ls, b.String()), true
	}
	return insertAt(closeAt, "\n"+b.String()+lexical.Indentation(text, open)), true
}
