package remediation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const diffContext = 3

// unifiedDiff renders a single-hunk unified diff between before and after.
// The hunk spans the changed region between the common line prefix and
// suffix, padded with context lines.
func unifiedDiff(path, before, after string) (string, error) {
	if before == after {
		return "", nil
	}
	a, b := splitLines(before), splitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	start := max(prefix-diffContext, 0)
	aEnd := min(len(a)-suffix+diffContext, len(a))
	bEnd := min(len(b)-suffix+diffContext, len(b))

	var body bytes.Buffer
	for _, l := range a[start:prefix] {
		writeLine(&body, ' ', l)
	}
	for _, l := range a[prefix : len(a)-suffix] {
		writeLine(&body, '-', l)
	}
	for _, l := range b[prefix : len(b)-suffix] {
		writeLine(&body, '+', l)
	}
	for _, l := range a[len(a)-suffix : aEnd] {
		writeLine(&body, ' ', l)
	}

	hunk := &diff.Hunk{
		OrigStartLine: int32(start + 1),
		OrigLines:     int32(aEnd - start),
		NewStartLine:  int32(start + 1),
		NewLines:      int32(bEnd - start),
		Body:          body.Bytes(),
	}
	if hunk.OrigLines == 0 {
		hunk.OrigStartLine = int32(start)
	}
	if hunk.NewLines == 0 {
		hunk.NewStartLine = int32(start)
	}

	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    []*diff.Hunk{hunk},
	})
	if err != nil {
		return "", fmt.Errorf("rendering diff for %s: %w", path, err)
	}
	return string(out), nil
}

// splitLines splits text into lines without their terminators.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLine(buf *bytes.Buffer, op byte, line string) {
	buf.WriteByte(op)
	buf.WriteString(line)
	buf.WriteByte('\n')
}
