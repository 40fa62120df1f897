package reasoning

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// corpus is lowercase text split into words for keyword lookups.
type corpus struct {
	words  []string
	joined string
}

func newCorpus(text string) corpus {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	return corpus{words: words, joined: " " + strings.Join(words, " ") + " "}
}

// has reports whether kw occurs. Multi-word keywords match as phrases;
// single keywords of four or more letters also match as word prefixes.
func (c corpus) has(kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(c.joined, " "+kw+" ")
	}
	for _, w := range c.words {
		if w == kw || (len(kw) >= 4 && strings.HasPrefix(w, kw)) {
			return true
		}
	}
	return false
}

// exact reports whether kw occurs as a whole word.
func (c corpus) exact(kw string) bool {
	return strings.Contains(c.joined, " "+kw+" ")
}

func (c corpus) matches(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if c.has(kw) {
			out = append(out, kw)
		}
	}
	return out
}
