package remediation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/lexical"
)

// Guard markers left in transformed output.
const (
	MarkerRetryGuard = "MAX_RETRY_ATTEMPTS"
	MarkerCleanup    = "fixd: cleanup"
	MarkerHandled    = "fixd: handled"
)

// TransformFunc rewrites artifact text for a finding. ok is false when the
// transformation's precondition does not hold; text is then ignored.
type TransformFunc func(text string, f detector.Finding) (out string, ok bool)

// Transformation is a registered, guarded rewrite for one category.
type Transformation struct {
	Name     string
	Category detector.Category
	Marker   string
	Apply    TransformFunc
}

// Registry maps categories to transformations.
type Registry struct {
	mu         sync.RWMutex
	byCategory map[detector.Category]Transformation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byCategory: make(map[detector.Category]Transformation)}
}

// DefaultRegistry registers the built-in transformations. InjectionRisk and
// Other have none and always need human review.
func DefaultRegistry(maxRetryAttempts int) *Registry {
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = 3
	}
	r := NewRegistry()
	for _, t := range []Transformation{
		{
			Name:     "retry-guard",
			Category: detector.InfiniteRecursion,
			Marker:   MarkerRetryGuard,
			Apply:    retryGuard(maxRetryAttempts),
		},
		{
			Name:     "resource-teardown",
			Category: detector.ResourceLeak,
			Marker:   MarkerCleanup,
			Apply:    resourceTeardown,
		},
		{
			Name:     "effect-cleanup",
			Category: detector.MissingCleanup,
			Marker:   MarkerCleanup,
			Apply:    effectCleanup,
		},
		{
			Name:     "error-surfacing",
			Category: detector.InsufficientErrorHandling,
			Marker:   MarkerHandled,
			Apply:    surfaceErrors,
		},
	} {
		_ = r.Register(t)
	}
	return r
}

// Register adds or replaces the transformation for its category.
func (r *Registry) Register(t Transformation) error {
	switch {
	case t.Name == "":
		return errors.New("transformation name is required")
	case !t.Category.Valid():
		return fmt.Errorf("transformation %s: unknown category %q", t.Name, t.Category)
	case t.Apply == nil:
		return fmt.Errorf("transformation %s: apply func is required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCategory[t.Category] = t
	return nil
}

// Lookup returns the transformation for a category.
func (r *Registry) Lookup(c detector.Category) (Transformation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byCategory[c]
	return t, ok
}

// Categories lists categories with a registered transformation.
func (r *Registry) Categories() []detector.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]detector.Category, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Markers maps each category to the guard marker its transformation leaves.
func (r *Registry) Markers() map[detector.Category]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[detector.Category]string, len(r.byCategory))
	for c, t := range r.byCategory {
		out[c] = t.Marker
	}
	return out
}

// guarded runs t and rejects output that changes bracket balance or lacks
// the marker.
func guarded(t Transformation, text string, f detector.Finding) (string, bool) {
	out, ok := t.Apply(text, f)
	if !ok || out == text {
		return text, false
	}
	if lexical.Count(out) != lexical.Count(text) {
		return text, false
	}
	if t.Marker != "" && !strings.Contains(out, t.Marker) {
		return text, false
	}
	return out, true
}
