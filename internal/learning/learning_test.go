package learning

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	persistent, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	inMemory, err := NewChromemStore(ChromemConfig{}, nil)
	require.NoError(t, err)
	return map[string]Store{
		"memory":          NewMemoryStore(0),
		"chromem":         inMemory,
		"chromem-persist": persistent,
	}
}

func TestStore_RecordAndSimilar(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Record(ctx, Outcome{
				Problem: "checkout page hangs with infinite retry loop on order fetch",
				Cause:   "Retry path has no attempt bound",
				Success: true,
			}))
			require.NoError(t, s.Record(ctx, Outcome{
				Problem: "session cart lost after reload",
				Cause:   "Stored JSON parsed without validation",
			}))

			matches, err := s.Similar(ctx, "order fetch retry loop hangs the checkout page", 5)
			require.NoError(t, err)
			require.NotEmpty(t, matches)
			assert.Equal(t, "Retry path has no attempt bound", matches[0].Cause)
			assert.True(t, matches[0].Success)
			for _, m := range matches {
				assert.NotEqual(t, "Stored JSON parsed without validation", m.Cause)
			}

			none, err := s.Similar(ctx, "font rendering glitch in footer", 5)
			require.NoError(t, err)
			assert.Empty(t, none)

			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Record(ctx, Outcome{Problem: "p", Cause: "c"}), ErrClosed)
		})
	}
}

func TestStore_Validation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Record(context.Background(), Outcome{Cause: "c"}), ErrInvalidOutcome)
			assert.ErrorIs(t, s.Record(context.Background(), Outcome{Problem: "p"}), ErrInvalidOutcome)
		})
	}
}

func TestChromemStore_Persists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Outcome{
		Problem: "memory leak after navigating away from dashboard",
		Cause:   "Interval not cleared on unmount",
		Success: true,
	}))
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	matches, err := reopened.Similar(context.Background(), "dashboard memory leak", 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Interval not cleared on unmount", matches[0].Cause)
}

func TestSuccessRatio(t *testing.T) {
	matches := []Match{
		{Outcome: Outcome{Cause: "Retry path has no attempt bound!", Success: true}},
		{Outcome: Outcome{Cause: "retry path has no attempt bound", Success: false}},
		{Outcome: Outcome{Cause: "retry path has NO attempt bound", Success: true}},
		{Outcome: Outcome{Cause: "something else", Success: true}},
	}
	ratio, n := SuccessRatio(matches, "Retry path has no attempt bound")
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0/3.0, ratio, 1e-9)

	ratio, n = SuccessRatio(matches, "unrelated")
	assert.Zero(t, n)
	assert.Zero(t, ratio)
}

func TestCauseKey(t *testing.T) {
	assert.Equal(t, "retrypathhasnoattemptbound", CauseKey("Retry path: has no attempt-bound."))
	assert.Len(t, CauseKey("a very long cause description that goes well beyond forty characters"), 40)
}

func TestEmbed(t *testing.T) {
	v := embed("retry loop retry", 64)
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Equal(t, float32(1), embed("!!", 8)[0])
}
