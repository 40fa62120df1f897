package reasoning

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

// RPN thresholds.
const (
	RPNThreshold = 100
	RPNCritical  = 200

	// rpnScale maps an RPN to cause confidence.
	rpnScale = 300.0
	// rpnMax is the largest possible RPN, used to normalize risk.
	rpnMax = 1000.0

	fmeaKeepTop = 2
)

// Components with known failure modes.
const (
	ComponentRetryHandler     = "retry-handler"
	ComponentEffectLifecycle  = "effect-lifecycle"
	ComponentSessionStorage   = "session-storage"
	ComponentPaymentWebhook   = "payment-webhook"
	ComponentErrorHandling    = "error-handling"
	ComponentSecretManagement = "secret-management"
	ComponentRendering        = "rendering"
)

type componentModes struct {
	keywords []string
	modes    []FailureMode
}

func mode(mode, effect, action string, s, o, d int) FailureMode {
	return FailureMode{Mode: mode, Effect: effect, Action: action, Severity: s, Occurrence: o, Detection: d}
}

var failureModes = map[string]componentModes{
	ComponentRetryHandler: {
		keywords: []string{"retry", "retries", "recursion", "recursive", "loop", "hang", "infinite"},
		modes: []FailureMode{
			mode("Unbounded retry loop exhausts the call stack", "Page hangs then crashes",
				"Cap retry attempts and fail with a visible error", 9, 6, 5),
			mode("Retry storm amplifies an upstream outage", "Backend overload during incidents",
				"Add exponential backoff with jitter to retries", 7, 5, 4),
		},
	},
	ComponentEffectLifecycle: {
		keywords: []string{"leak", "memory", "cleanup", "listener", "interval", "timer", "unmount", "subscription", "useeffect"},
		modes: []FailureMode{
			mode("Timer or listener outlives its component", "Memory grows with each navigation",
				"Return a cleanup function from every effect that acquires resources", 6, 7, 5),
			mode("Stale closure updates unmounted state", "Console warnings and wasted renders",
				"Guard state updates with an unmounted flag", 4, 6, 4),
		},
	},
	ComponentSessionStorage: {
		keywords: []string{"session", "storage", "localstorage", "sessionstorage", "cart", "persist"},
		modes: []FailureMode{
			mode("Corrupt persisted JSON breaks hydration", "Blank page on reload",
				"Parse persisted state inside try/catch and fall back to defaults", 7, 5, 5),
			mode("Storage quota exceeded", "Writes silently dropped",
				"Cap stored payload size and evict old entries", 5, 3, 4),
		},
	},
	ComponentPaymentWebhook: {
		keywords: []string{"webhook", "payment", "stripe", "checkout"},
		modes: []FailureMode{
			mode("Forged webhook accepted without signature check", "Orders fulfilled without payment",
				"Verify webhook signatures with the endpoint signing secret", 10, 3, 7),
			mode("Duplicate webhook delivery fulfils an order twice", "Double shipment or refund",
				"Make webhook handlers idempotent keyed by event id", 8, 4, 5),
		},
	},
	ComponentErrorHandling: {
		keywords: []string{"error", "exception", "catch", "swallow", "silent", "unhandled"},
		modes: []FailureMode{
			mode("Swallowed exception hides the failure", "Defects surface late in production",
				"Log or rethrow every caught error", 6, 7, 6),
			mode("Generic error message obscures the cause", "Slow triage",
				"Include operation context in error messages", 4, 6, 4),
		},
	},
	ComponentSecretManagement: {
		keywords: []string{"secret", "api key", "token", "credential", "exposed"},
		modes: []FailureMode{
			mode("Live API key committed to source", "Account takeover and fraudulent charges",
				"Rotate the key and load secrets from the environment", 10, 3, 4),
		},
	},
	ComponentRendering: {
		keywords: []string{"innerhtml", "xss", "html", "injection", "sanitize", "eval"},
		modes: []FailureMode{
			mode("Unsanitized HTML enables script injection", "Session theft through XSS",
				"Sanitize HTML before rendering or render text nodes", 9, 4, 5),
		},
	},
}

// componentOrder keeps inference deterministic.
var componentOrder = []string{
	ComponentRetryHandler, ComponentEffectLifecycle, ComponentSessionStorage,
	ComponentPaymentWebhook, ComponentErrorHandling, ComponentSecretManagement, ComponentRendering,
}

// Components lists the components with known failure modes.
func Components() []string {
	return append([]string(nil), componentOrder...)
}

func inferComponents(c corpus) []string {
	var out []string
	for _, name := range componentOrder {
		if len(c.matches(failureModes[name].keywords)) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// fmea evaluates the failure modes of p's components. It returns every
// evaluated mode, the retained causes (top two by RPN) and the highest
// retained RPN.
func fmea(p Problem) ([]FailureMode, []Cause, int) {
	components := p.Components
	if len(components) == 0 {
		components = inferComponents(newCorpus(p.text()))
	}

	var evaluated, retained []FailureMode
	seen := make(map[string]bool)
	for _, name := range components {
		cm, ok := failureModes[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		for _, m := range cm.modes {
			m.Component = name
			m.RPN = m.Severity * m.Occurrence * m.Detection
			switch {
			case m.RPN > RPNCritical:
				m.Priority = detector.PriorityCritical
			case m.RPN > RPNThreshold:
				m.Priority = detector.PriorityHigh
			default:
				m.Priority = detector.PriorityMedium
			}
			evaluated = append(evaluated, m)
			if m.RPN > RPNThreshold {
				retained = append(retained, m)
			}
		}
	}

	sort.SliceStable(retained, func(i, j int) bool { return retained[i].RPN > retained[j].RPN })
	if len(retained) > fmeaKeepTop {
		retained = retained[:fmeaKeepTop]
	}

	causes := make([]Cause, 0, len(retained))
	maxRPN := 0
	for _, m := range retained {
		maxRPN = max(maxRPN, m.RPN)
		causes = append(causes, Cause{
			Description: m.Mode,
			Strategy:    FMEA,
			Confidence:  round3(math.Min(1, float64(m.RPN)/rpnScale)),
			Evidence:    []string{m.Effect},
			Category:    m.Component,
			Priority:    m.Priority,
			RPN:         m.RPN,
		})
	}
	return evaluated, causes, maxRPN
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
