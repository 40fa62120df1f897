// Package detector implements the Defect Detector: a stateless, rule-table
// driven scanner that turns artifact text into typed findings.
//
// Each rule pairs case-insensitive signature patterns with a category,
// severity and confidence weight. Matches are filtered by scoped
// suppressors (for example a retry call already preceded by a bound check)
// and aggregated per artifact and category, so one artifact yields at most
// one finding per category. Rules tied to an external error family
// (payment-webhook, session-persistence, secret-exposure) add a flat
// confidence bonus.
//
// Extra rules can be loaded from TOML rule packs, secrets are detected with
// the gitleaks default ruleset, and reports can be exported as SARIF.
package detector
