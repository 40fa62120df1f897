package learning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMinSimilarity is the similarity below which problems are unrelated.
const DefaultMinSimilarity = 0.3

// MemoryStore keeps outcomes in memory and compares problems by token
// overlap (Jaccard index).
type MemoryStore struct {
	mu            sync.RWMutex
	outcomes      []Outcome
	tokens        []map[string]bool
	minSimilarity float64
	closed        bool
}

// NewMemoryStore creates an empty store. minSimilarity <= 0 selects
// DefaultMinSimilarity.
func NewMemoryStore(minSimilarity float64) *MemoryStore {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &MemoryStore{minSimilarity: minSimilarity}
}

// Record implements Store.
func (s *MemoryStore) Record(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(o); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.outcomes = append(s.outcomes, o)
	s.tokens = append(s.tokens, tokenSet(o.Problem))
	return nil
}

// Similar implements Store.
func (s *MemoryStore) Similar(ctx context.Context, problem string, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := tokenSet(problem)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Match
	for i, o := range s.outcomes {
		if sim := jaccard(query, s.tokens[i]); sim >= s.minSimilarity {
			out = append(out, Match{Outcome: o, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored outcomes.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokens(text) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
