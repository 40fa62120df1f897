package reasoning

import (
	"fmt"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

// MaxWhyDepth bounds the questioning chain.
const MaxWhyDepth = 5

const (
	genericChain = "generic"

	chainConfidence   = 0.6
	genericConfidence = 0.4
)

// rootIndicators mark an answer as organizational rather than symptomatic.
var rootIndicators = []string{"policy", "process", "standard", "design", "requirement", "review", "checklist"}

type answerChain struct {
	name     string
	keywords []string
	answers  []string
}

var answerChains = []answerChain{
	{
		name:     "retry",
		keywords: []string{"retry", "retries", "recursion", "recursive", "loop", "stack overflow", "call stack", "hang", "infinite"},
		answers: []string{
			"The request handler calls itself again whenever the response is not ok",
			"The retry path increments a counter but never compares it against a limit",
			"Transient and permanent failures are retried the same way",
			"No bounded-retry design standard exists for network calls",
		},
	},
	{
		name:     "cleanup",
		keywords: []string{"memory", "leak", "cleanup", "listener", "interval", "timer", "subscription", "unmount", "teardown"},
		answers: []string{
			"Resources acquired during setup stay referenced after the component unmounts",
			"Timers and listeners are registered without a matching teardown",
			"Effect hooks do not return a cleanup function",
			"Lifecycle cleanup is not part of the code review checklist",
		},
	},
	{
		name:     "session",
		keywords: []string{"session", "storage", "localstorage", "sessionstorage", "cart", "persist", "hydration", "json"},
		answers: []string{
			"Persisted state could not be read back",
			"Stored JSON is parsed without validation",
			"Corrupt or missing entries have no fallback value",
			"Client-side persistence has no data validation requirement",
		},
	},
	{
		name:     "integration",
		keywords: []string{"webhook", "payment", "stripe", "integration", "signature", "third party"},
		answers: []string{
			"The integration accepted a payload it could not trust",
			"Webhook signatures are not verified before processing",
			"Signing secrets are not provisioned to every environment",
			"The integration process lacks a signature verification and idempotency standard",
		},
	},
	{
		name:     "error-handling",
		keywords: []string{"error", "exception", "catch", "swallow", "silent", "unhandled"},
		answers: []string{
			"Failures were not visible to operators",
			"Errors are caught and discarded",
			"Catch blocks neither log nor rethrow",
			"The error handling policy does not require surfacing failures",
		},
	},
}

// genericLadder answers by depth when no chain matches.
var genericLadder = [MaxWhyDepth]string{
	"The observed symptom is produced by an unexpected runtime state",
	"The runtime state is reached because an input or dependency behaved differently than assumed",
	"The assumption is not enforced by validation or tests",
	"Tests do not cover the failing scenario",
	"The development process does not require coverage for this failure class",
}

// selectChain picks the chain with the most keyword hits; ties keep library
// order.
func selectChain(c corpus) (*answerChain, []string) {
	var (
		best *answerChain
		hits []string
	)
	for i := range answerChains {
		m := c.matches(answerChains[i].keywords)
		if len(m) > len(hits) {
			best, hits = &answerChains[i], m
		}
	}
	return best, hits
}

func isRoot(answer string) bool {
	c := newCorpus(answer)
	for _, ind := range rootIndicators {
		if c.exact(ind) {
			return true
		}
	}
	return false
}

// fiveWhys runs the questioning chain for p, at most maxDepth steps.
func fiveWhys(p Problem, maxDepth int) (FiveWhysResult, Cause) {
	if maxDepth <= 0 || maxDepth > MaxWhyDepth {
		maxDepth = MaxWhyDepth
	}
	chain, hits := selectChain(newCorpus(p.text()))
	res := FiveWhysResult{Chain: genericChain, Keywords: hits}
	if chain != nil {
		res.Chain = chain.name
	}

	subject := p.Statement
	for depth := 1; depth <= maxDepth; depth++ {
		answer := genericLadder[depth-1]
		if chain != nil && depth <= len(chain.answers) {
			answer = chain.answers[depth-1]
		}
		res.Steps = append(res.Steps, WhyStep{
			Depth:    depth,
			Question: fmt.Sprintf("Why did %q occur?", subject),
			Answer:   answer,
		})
		if isRoot(answer) {
			res.RootReached = true
			break
		}
		subject = answer
	}

	confidence := genericConfidence
	if chain != nil {
		confidence = chainConfidence
	}
	cause := Cause{
		Description: res.RootCause(),
		Strategy:    FiveWhys,
		Confidence:  confidence,
		Evidence:    hits,
		Category:    res.Chain,
		Priority:    detector.PriorityHigh,
	}
	return res, cause
}
