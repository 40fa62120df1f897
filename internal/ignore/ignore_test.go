package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"", ""},
		{"# comment", ""},
		{"!keep.js", ""},
		{"*.log", "*.log"},
		{"node_modules", "**/node_modules/**"},
		{"out/", "**/out/**"},
		{"/dist", "**/dist/**"},
		{"vendor/cache", "vendor/cache/**"},
		{"secrets.json", "**/secrets.json"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLine(tt.line))
		})
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"**/node_modules/**", "*.log", "**/secrets.json", "vendor/cache/**"})

	assert.True(t, m.Match("node_modules/react/index.js"))
	assert.True(t, m.Match("apps/web/node_modules/x.js"))
	assert.True(t, m.Match("debug.log"))
	assert.True(t, m.Match("config/secrets.json"))
	assert.True(t, m.Match("vendor/cache/a.js"))

	assert.False(t, m.Match("src/app/page.tsx"))
	assert.False(t, m.Match("logs/debug.log"))
	assert.False(t, m.Match("other/vendor/cache/a.js"))
}

func TestParser_Load(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# deps\ngenerated/\n*.snap\n"), 0o644))

	m, err := NewParser().Load(dir)
	require.NoError(t, err)

	assert.True(t, m.Match("generated/types.ts"))
	assert.True(t, m.Match("ui.snap"))
	assert.True(t, m.Match(".git/HEAD"))
	assert.False(t, m.Match("src/index.ts"))
	assert.Contains(t, m.Patterns(), "**/generated/**")
}
