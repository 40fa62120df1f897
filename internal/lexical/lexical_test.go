package lexical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `import { api } from "./api";

export async function retryFn(id: string, count = 0): Promise<Order> {
  const res = await fetch(` + "`/api/orders/${id}`" + `);
  if (!res.ok) {
    return await retryFn(id, count+1);
  }
  return res.json();
}

const poll = async (url) => {
  // closing brace in a comment }
  const label = "{not a block";
  return url;
};

class Client {
  async send(payload: { id: string }) {
    return payload;
  }
}
`

func TestLineOf(t *testing.T) {
	assert.Equal(t, 1, LineOf("abc", 0))
	assert.Equal(t, 2, LineOf("a\nb", 2))
	idx := strings.Index(sample, "return await")
	assert.Equal(t, 6, LineOf(sample, idx))
}

func TestLineBoundsAndIndentation(t *testing.T) {
	idx := strings.Index(sample, "return await")
	start, end := LineBounds(sample, idx)
	assert.Equal(t, "    return await retryFn(id, count+1);", sample[start:end])
	assert.Equal(t, "    ", Indentation(sample, idx))
}

func TestMatchBrace_SkipsStringsAndComments(t *testing.T) {
	open := strings.Index(sample, "=> {") + 3
	closeIdx := MatchBrace(sample, open)
	require.Positive(t, closeIdx)
	assert.Equal(t, "};", sample[closeIdx:closeIdx+2])

	assert.Equal(t, -1, MatchBrace("{ unterminated", 0))
	assert.Equal(t, -1, MatchBrace("x", 0))
}

func TestMatchPair(t *testing.T) {
	text := `fn(a, "x)", g(b), [c]);`
	assert.Equal(t, len(text)-2, MatchPair(text, 2))
	assert.Equal(t, 15, MatchPair(text, 13))
	assert.Equal(t, 20, MatchPair(text, 18))
	assert.Equal(t, -1, MatchPair(text, 0))
	assert.Equal(t, -1, MatchPair("(open", 0))
}

func TestCount(t *testing.T) {
	assert.True(t, Count(sample).Balanced())

	b := Count("function f() { if (x) { }")
	assert.Equal(t, 1, b.Braces)
	assert.Equal(t, 0, b.Parens)
	assert.False(t, b.Balanced())

	assert.True(t, Count(`const s = "((("; // )))`).Balanced())
}

func TestEnclosingBraces(t *testing.T) {
	idx := strings.Index(sample, "return await")
	braces := EnclosingBraces(sample, idx)
	require.Len(t, braces, 2)
	assert.True(t, strings.HasPrefix(sample[braces[1]-len("if (!res.ok) "):], "if (!res.ok) {"))
}

func TestFunctions(t *testing.T) {
	fns := Functions(sample)
	names := make([]string, 0, len(fns))
	for _, f := range fns {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"retryFn", "poll", "send"}, names)

	assert.Equal(t, []string{"id", "count"}, fns[0].Params)
	assert.Equal(t, []string{"url"}, fns[1].Params)
	assert.Equal(t, []string{"payload"}, fns[2].Params)
	for _, f := range fns {
		assert.Positive(t, f.BodyClose)
	}
}

func TestFunctions_Methods(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		method string
		params []string
	}{
		{"own line", "class Api {\n  async retryFn(id, count) {\n    return 1;\n  }\n}\n", "retryFn", []string{"id", "count"}},
		{"after class brace", "class Api { async retryFn(id, count) { return 1; } }", "retryFn", []string{"id", "count"}},
		{"after previous member", "class Api { a() { return 1; } static b(n) { return n; } }", "b", []string{"n"}},
		{"typed", "class Api {\n  private load(id: string): Promise<void> {\n  }\n}\n", "load", []string{"id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found *Function
			for _, f := range Functions(tt.text) {
				if f.Name == tt.method {
					found = &f
				}
			}
			require.NotNil(t, found)
			assert.Equal(t, tt.params, found.Params)
			assert.Equal(t, tt.method, tt.text[found.Start:found.Start+len(tt.method)])
		})
	}

	for _, text := range []string{"} catch (e) {", "if (x) { while (y) {", "} else if (z) {"} {
		assert.Empty(t, Functions(text), text)
	}
}

func TestEnclosingFunction(t *testing.T) {
	fn, ok := EnclosingFunction(sample, strings.Index(sample, "return await"))
	require.True(t, ok)
	assert.Equal(t, "retryFn", fn.Name)

	_, ok = EnclosingFunction(sample, 0)
	assert.False(t, ok)
}

func TestNextOpenBrace(t *testing.T) {
	text := `useEffect(() => { tick(); })`
	assert.Equal(t, strings.Index(text, "{"), NextOpenBrace(text, 0))
	assert.Equal(t, -1, NextOpenBrace("no braces", 0))
}

func TestSplitParams(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "rest"}, splitParams("a, b = 2, ...rest"))
	assert.Equal(t, []string{"opts"}, splitParams("{ x, y }, opts?: Options<T, U>"))
	assert.Empty(t, splitParams(""))
}
