// Package learning records root-cause outcomes and finds outcomes of past
// problems similar to a new one.
//
// The reasoning engine uses these outcomes to nudge the confidence of causes
// that were confirmed before. Two stores are provided: MemoryStore for tests
// and short-lived processes, ChromemStore for persistent similarity search.
package learning

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidOutcome is returned when an outcome lacks a problem or cause.
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("learning store closed")
)

// Outcome is the verdict on one cause proposed for one problem.
type Outcome struct {
	ID         string    `json:"id"`
	Problem    string    `json:"problem"`
	Cause      string    `json:"cause"`
	Strategy   string    `json:"strategy,omitempty"`
	Success    bool      `json:"success"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Match is a stored outcome and its similarity to a query problem.
type Match struct {
	Outcome
	Similarity float64 `json:"similarity"`
}

// Store persists outcomes and answers similarity queries.
type Store interface {
	// Record appends an outcome.
	Record(ctx context.Context, o Outcome) error

	// Similar returns up to limit outcomes whose problems resemble problem,
	// most similar first.
	Similar(ctx context.Context, problem string, limit int) ([]Match, error)

	Close() error
}

func validate(o Outcome) error {
	if strings.TrimSpace(o.Problem) == "" {
		return errors.Join(ErrInvalidOutcome, errors.New("problem is required"))
	}
	if strings.TrimSpace(o.Cause) == "" {
		return errors.Join(ErrInvalidOutcome, errors.New("cause is required"))
	}
	return nil
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "is": true, "are": true, "was": true,
	"for": true, "with": true, "when": true, "after": true, "it": true, "be": true,
}

// Tokens returns the lowercase content words of text.
func Tokens(text string) []string {
	var out []string
	for _, t := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(t) > 1 && !stopWords[t] {
			out = append(out, t)
		}
	}
	return out
}

// CauseKey normalizes a cause description for matching: lowercase
// alphanumerics, truncated to 40 characters.
func CauseKey(description string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(description) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == 40 {
				break
			}
		}
	}
	return b.String()
}

// SuccessRatio returns the share of successful outcomes among matches for
// cause, and how many matched.
func SuccessRatio(matches []Match, cause string) (float64, int) {
	key := CauseKey(cause)
	var total, ok int
	for _, m := range matches {
		if CauseKey(m.Cause) != key {
			continue
		}
		total++
		if m.Success {
			ok++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(ok) / float64(total), total
}
