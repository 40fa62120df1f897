package reasoning

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

type family struct {
	name     string
	keywords []string
	action   string
	priority detector.Priority
}

var families = []family{
	{
		name:     "retry",
		keywords: []string{"retry", "retries", "recursion", "recursive", "loop", "call stack"},
		action:   "Bound retries with a maximum attempt count and exponential backoff",
		priority: detector.PriorityCritical,
	},
	{
		name:     "cleanup",
		keywords: []string{"cleanup", "memory", "leak", "listener", "interval", "timer", "unmount"},
		action:   "Release timers and listeners in the owning component's cleanup function",
		priority: detector.PriorityHigh,
	},
	{
		name:     "session",
		keywords: []string{"session", "storage", "data", "json", "cart", "persist"},
		action:   "Validate persisted data on read and fall back to defaults when it is missing or corrupt",
		priority: detector.PriorityHigh,
	},
	{
		name:     "integration",
		keywords: []string{"webhook", "integration", "payment", "stripe", "signature"},
		action:   "Verify webhook signatures with the signing secret and retry deliveries idempotently",
		priority: detector.PriorityCritical,
	},
}

const fallbackAction = "Reproduce the failure in a regression test before changing code"

// recommend builds recommendations from the keyword families matched by the
// problem and its causes, then from the actions of retained failure modes.
// Actions are deduplicated by a normalized prefix.
func recommend(p Problem, causes []Cause, modes []FailureMode) []Recommendation {
	parts := []string{p.text()}
	for _, c := range causes {
		parts = append(parts, c.Description)
	}
	c := newCorpus(strings.Join(parts, "\n"))

	var out []Recommendation
	seen := make(map[string]bool)
	add := func(r Recommendation) {
		key := normalizedPrefix(r.Action, actionKeyLen)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, r)
	}

	for _, f := range families {
		if len(c.matches(f.keywords)) > 0 {
			add(Recommendation{Family: f.name, Action: f.action, Priority: f.priority})
		}
	}

	retained := make([]FailureMode, 0, len(modes))
	for _, m := range modes {
		if m.RPN > RPNThreshold {
			retained = append(retained, m)
		}
	}
	sort.SliceStable(retained, func(i, j int) bool { return retained[i].RPN > retained[j].RPN })
	for _, m := range retained {
		add(Recommendation{Family: m.Component, Action: m.Action, Priority: m.Priority})
	}

	if len(out) == 0 {
		add(Recommendation{Family: "general", Action: fallbackAction, Priority: detector.PriorityMedium})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority.Rank() > out[j].Priority.Rank() })
	return out
}
