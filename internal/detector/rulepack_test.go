package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRulePack(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", `
[[rules]]
id = "console-log"
category = "other"
severity = "info"
description = "Debug logging left in source"
patterns = ['console\.log\(']
weight = 0.2
recommendation = "Remove debug logging"

[[rules]]
id = "local-storage-token"
category = "missing_cleanup"
severity = "warning"
patterns = ['''localStorage\.setItem\(\s*["']token''']
suppressors = ['''localStorage\.removeItem\(\s*["']token''']
scope = "artifact"
weight = 0.4
external_category = "session-persistence"
`)

	rules, err := LoadRulePack(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "console-log", rules[0].ID)
	assert.Equal(t, Other, rules[0].Category)
	assert.Equal(t, Info, rules[0].Severity)
	assert.Equal(t, ScopeArtifact, rules[1].Scope)
	assert.Equal(t, FamilySessionPersistence, rules[1].ExternalCategory)

	s, err := NewScanner(&Config{MinConfidence: 0.3, Rules: rules}, nil)
	require.NoError(t, err)

	report := s.Scan(context.Background(), map[string]string{
		"auth.js": "console.log(a);\nconsole.log(b);\nlocalStorage.setItem('token', t);\n",
	})
	require.Len(t, report.Findings, 2)
	assert.Equal(t, MissingCleanup, report.Findings[0].Category)
	assert.InDelta(t, 0.6, report.Findings[0].Confidence, 1e-9)
	assert.Equal(t, Other, report.Findings[1].Category)
	assert.InDelta(t, 0.4, report.Findings[1].Confidence, 1e-9)
}

func TestLoadRulePack_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[[rules]\nid = "},
		{"unknown key", "[[rules]]\nid = \"x\"\ncategory = \"other\"\nseverity = \"info\"\npatterns = ['x']\nweight = 0.5\nbogus = 1\n"},
		{"unknown category", "[[rules]]\nid = \"x\"\ncategory = \"typo\"\nseverity = \"info\"\npatterns = ['x']\nweight = 0.5\n"},
		{"no patterns", "[[rules]]\nid = \"x\"\ncategory = \"other\"\nseverity = \"info\"\nweight = 0.5\n"},
		{"bad scope", "[[rules]]\nid = \"x\"\ncategory = \"other\"\nseverity = \"info\"\npatterns = ['x']\nweight = 0.5\nscope = \"galaxy\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "pack.toml", tt.content)
			_, err := LoadRulePack(path)
			assert.ErrorIs(t, err, ErrInvalidRulePack)
		})
	}
}

func TestLoadRulePacks_Missing(t *testing.T) {
	_, err := LoadRulePacks([]string{filepath.Join(t.TempDir(), "absent.toml")})
	assert.ErrorIs(t, err, ErrInvalidRulePack)
}

func TestLoadAllowlists(t *testing.T) {
	project := t.TempDir()
	writeFile(t, project, ".gitleaks.toml", `
[allowlist]
paths = ['fixtures/.*']
regexes = ['EXAMPLE[0-9]+']
`)
	user := writeFile(t, t.TempDir(), "allow.toml", `
[allowlist]
stopwords = ["dummy"]
`)

	a, err := LoadAllowlists(project, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"fixtures/.*"}, a.Paths)
	assert.Equal(t, []string{"EXAMPLE[0-9]+"}, a.Regexes)
	assert.Equal(t, []string{"dummy"}, a.StopWords)
	assert.False(t, a.Empty())

	none, err := LoadAllowlists(t.TempDir(), "")
	require.NoError(t, err)
	assert.True(t, none.Empty())
}

func TestLoadAllowlists_InvalidRegex(t *testing.T) {
	project := t.TempDir()
	writeFile(t, project, ".gitleaks.toml", "[allowlist]\nregexes = ['(']\n")

	_, err := LoadAllowlists(project, "")
	assert.ErrorIs(t, err, ErrInvalidAllowlist)
}

func TestGitleaksDetector_CleanInput(t *testing.T) {
	hits, err := NewGitleaksDetector(nil).Detect("export const greeting = 'hello';\n")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSecretMatch_Offsets(t *testing.T) {
	text := "line one\nconst k = 'secretvalue123';\n"
	m := secretMatch(text, SecretHit{RuleID: "generic", Line: 2, StartCol: 12, Match: "secretvalue123"})

	assert.Equal(t, 2, m.line)
	assert.Equal(t, "gitleaks:generic", m.ruleID)
	assert.Equal(t, len("line one\n")+11, m.start)

	clamped := secretMatch(text, SecretHit{Line: 0})
	assert.Equal(t, 1, clamped.line)
	assert.Equal(t, 0, clamped.start)
}
