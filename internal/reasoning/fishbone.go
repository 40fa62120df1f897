package reasoning

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

// DefaultFishboneCutoff is the score a candidate must exceed to be kept.
const DefaultFishboneCutoff = 0.7

const (
	fishboneBase    = 0.3
	fishbonePerHit  = 0.25
	fishboneKeepTop = 3
)

// Fishbone categories.
const (
	CategoryPeople      = "people"
	CategoryProcess     = "process"
	CategoryTechnology  = "technology"
	CategoryEnvironment = "environment"
	CategoryData        = "data"
)

type candidate struct {
	category    string
	description string
	keywords    []string
}

var fishboneCandidates = []candidate{
	{CategoryPeople, "Unfamiliarity with framework lifecycle semantics",
		[]string{"useeffect", "react", "hook", "lifecycle", "unmount", "render"}},
	{CategoryPeople, "Knowledge gap in secure secret handling",
		[]string{"secret", "key", "token", "credential", "stripe", "exposed"}},

	{CategoryProcess, "Error handling paths are not reviewed",
		[]string{"error", "catch", "exception", "swallow", "silent", "unhandled", "log"}},
	{CategoryProcess, "Integrations ship without deployment verification",
		[]string{"deploy", "release", "webhook", "payment", "integration", "rollout", "config"}},
	{CategoryProcess, "Retry and timeout policies are undefined",
		[]string{"retry", "retries", "timeout", "policy", "backoff", "limit"}},

	{CategoryTechnology, "Unbounded retry or recursion in request handling",
		[]string{"retry", "retries", "recursion", "recursive", "loop", "stack", "hang", "fetch"}},
	{CategoryTechnology, "Resource lifetime is not tied to component lifetime",
		[]string{"leak", "memory", "listener", "interval", "timer", "cleanup", "unmount", "subscription"}},
	{CategoryTechnology, "Unvalidated input reaches a sensitive sink",
		[]string{"injection", "innerhtml", "eval", "sql", "xss", "sanitize", "webhook", "signature"}},

	{CategoryEnvironment, "Browser storage is unavailable or corrupted",
		[]string{"storage", "localstorage", "sessionstorage", "quota", "private", "corrupt", "session"}},
	{CategoryEnvironment, "Third-party service degradation",
		[]string{"api", "service", "outage", "slow", "latency", "network", "503"}},

	{CategoryData, "Persisted data schema drifted from what the code expects",
		[]string{"json", "parse", "schema", "cart", "session", "state", "migration", "corrupt"}},
	{CategoryData, "Malformed payloads from external systems",
		[]string{"payload", "webhook", "body", "malformed", "invalid", "json"}},
}

// fishbone scores every candidate and returns all scores plus the retained
// causes, best first, at most three.
func fishbone(p Problem, cutoff float64) ([]ScoredCandidate, []Cause) {
	if cutoff <= 0 {
		cutoff = DefaultFishboneCutoff
	}
	c := newCorpus(p.text())

	scored := make([]ScoredCandidate, 0, len(fishboneCandidates))
	for _, cand := range fishboneCandidates {
		matched := c.matches(cand.keywords)
		score := math.Min(1, fishboneBase+fishbonePerHit*float64(len(matched)))
		if len(matched) == 0 {
			score = 0
		}
		scored = append(scored, ScoredCandidate{
			Category:    cand.category,
			Description: cand.description,
			Score:       round3(score),
			Matched:     matched,
			Retained:    score > cutoff,
		})
	}

	var retained []ScoredCandidate
	for _, s := range scored {
		if s.Retained {
			retained = append(retained, s)
		}
	}
	sort.SliceStable(retained, func(i, j int) bool { return retained[i].Score > retained[j].Score })
	if len(retained) > fishboneKeepTop {
		retained = retained[:fishboneKeepTop]
	}

	causes := make([]Cause, 0, len(retained))
	for _, s := range retained {
		causes = append(causes, Cause{
			Description: s.Description,
			Strategy:    Fishbone,
			Confidence:  s.Score,
			Evidence:    s.Matched,
			Category:    s.Category,
			Priority:    detector.PriorityMedium,
		})
	}
	return scored, causes
}
