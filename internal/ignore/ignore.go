// Package ignore reads gitignore-style files and decides which paths the
// artifact store skips when listing a target artifact set.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultPatterns are always excluded.
var DefaultPatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/.next/**",
	"**/dist/**",
	"**/build/**",
	"**/coverage/**",
	"**/.fixd/**",
}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names looked up in the root.
	IgnoreFiles []string
}

// NewParser creates a parser for the given ignore file names.
func NewParser(ignoreFiles ...string) *Parser {
	if len(ignoreFiles) == 0 {
		ignoreFiles = []string{".gitignore", ".fixdignore"}
	}
	return &Parser{IgnoreFiles: ignoreFiles}
}

// Load reads every ignore file present in root and returns a Matcher that
// also includes DefaultPatterns.
func (p *Parser) Load(root string) (*Matcher, error) {
	patterns := append([]string{}, DefaultPatterns...)
	for _, name := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
	}
	return NewMatcher(deduplicate(patterns)), nil
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	return patterns, scanner.Err()
}

// parseLine converts one gitignore line to a glob, or "" for comments,
// blanks and negations (unsupported).
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}

	pattern := strings.TrimPrefix(line, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	if !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "*") {
		pattern = "**/" + pattern
	}
	if dirOnly || !strings.Contains(path.Base(pattern), ".") {
		pattern += "/**"
	}
	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}

// Matcher tests slash-separated relative paths against glob patterns.
// "**/" matches any leading directories and "/**" any trailing path.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher over already-converted glob patterns.
func NewMatcher(patterns []string) *Matcher {
	return &Matcher{patterns: patterns}
}

// Patterns returns the active patterns.
func (m *Matcher) Patterns() []string {
	return m.patterns
}

// Match reports whether relPath is excluded.
func (m *Matcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, p := range m.patterns {
		if matchPattern(p, relPath) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, rel string) bool {
	anyPrefix := strings.HasPrefix(pattern, "**/")
	anySuffix := strings.HasSuffix(pattern, "/**")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")

	segments := strings.Split(rel, "/")
	coreLen := len(strings.Split(core, "/"))

	for start := 0; start+coreLen <= len(segments); start++ {
		if start > 0 && !anyPrefix {
			break
		}
		candidate := strings.Join(segments[start:start+coreLen], "/")
		ok, err := path.Match(core, candidate)
		if err != nil || !ok {
			continue
		}
		rest := len(segments) - (start + coreLen)
		if rest == 0 || anySuffix {
			return true
		}
	}
	return false
}
