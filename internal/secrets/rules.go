package secrets

// Rule describes one credential shape.
//
// When Pattern has a capture group only the first group is masked, which
// keeps the surrounding key name or URL readable.
type Rule struct {
	ID          string `koanf:"id" json:"id"`
	Description string `koanf:"description" json:"description"`
	Pattern     string `koanf:"pattern" json:"pattern"`
	// Keywords gate the rule: at least one must appear (case-insensitive)
	// before the pattern runs.
	Keywords []string `koanf:"keywords" json:"keywords,omitempty"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key id",
			Pattern:     `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\bgh[pousr]_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:          "github-fine-grained",
			Description: "GitHub fine-grained personal access token",
			Pattern:     `github_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab personal access token",
			Pattern:     `glpat-[A-Za-z0-9\-]{20,}`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `xox[baprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:          "stripe-key",
			Description: "Stripe key",
			Pattern:     `\b(?:sk|rk|pk)_(?:live|test)_[A-Za-z0-9]{24,}`,
		},
		{
			ID:          "npm-token",
			Description: "npm access token",
			Pattern:     `\bnpm_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:          "private-key",
			Description: "PEM private key header",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			ID:          "connection-url",
			Description: "Password in a connection URL",
			Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/@]+:([^@\s]+)@`,
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token",
			Pattern:     `(?i)\bbearer\s+([A-Za-z0-9_\-.=]{20,})`,
			Keywords:    []string{"bearer"},
		},
		{
			ID:          "assignment",
			Description: "Credential assigned to a sensitive name",
			Pattern:     `(?i)(?:api[_-]?key|secret|password|passwd|token)["']?\s*[:=]\s*["']?([^\s"'` + "`" + `,;]{8,})`,
			Keywords:    []string{"key", "secret", "password", "passwd", "token"},
		},
	}
}
