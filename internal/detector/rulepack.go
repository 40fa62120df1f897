package detector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRulePack indicates a rule pack could not be decoded.
	ErrInvalidRulePack = errors.New("invalid rule pack")

	// ErrInvalidAllowlist indicates a secret allowlist could not be used.
	ErrInvalidAllowlist = errors.New("invalid allowlist")
)

// RulePack is the on-disk form of additional detector rules:
//
//	[[rules]]
//	id = "no-console-log"
//	category = "other"
//	severity = "info"
//	patterns = ['console\.log\(']
//	weight = 0.1
type RulePack struct {
	Rules []Rule `toml:"rules"`
}

// LoadRulePack decodes and validates a TOML rule pack.
func LoadRulePack(path string) ([]Rule, error) {
	var pack RulePack
	md, err := toml.DecodeFile(path, &pack)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRulePack, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidRulePack, path, undecoded)
	}
	for _, r := range pack.Rules {
		if _, err := compileRule(r); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRulePack, path, err)
		}
	}
	return pack.Rules, nil
}

// LoadRulePacks loads every pack in order.
func LoadRulePacks(paths []string) ([]Rule, error) {
	var rules []Rule
	for _, p := range paths {
		r, err := LoadRulePack(p)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r...)
	}
	return rules, nil
}

// Allowlist excludes paths and content from secret detection.
type Allowlist struct {
	Paths     []string
	Regexes   []string
	StopWords []string
}

// Empty reports whether the allowlist excludes nothing.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.Paths)+len(a.Regexes)+len(a.StopWords) == 0
}

// LoadAllowlists merges the project's .gitleaks.toml allowlist with an
// optional user allowlist file. Missing files are ignored.
func LoadAllowlists(projectRoot, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var files []string
	if projectRoot != "" {
		files = append(files, filepath.Join(projectRoot, ".gitleaks.toml"))
	}
	if userPath != "" {
		files = append(files, userPath)
	}
	for _, f := range files {
		a, err := loadAllowlist(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
		merged.StopWords = append(merged.StopWords, a.StopWords...)
	}
	return merged, nil
}

func loadAllowlist(path string) (*Allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var doc struct {
		Allowlist struct {
			Paths     []string `toml:"paths"`
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, p := range append(append([]string{}, doc.Allowlist.Paths...), doc.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %s: pattern %q: %v", ErrInvalidAllowlist, path, p, err)
		}
	}
	return &Allowlist{
		Paths:     doc.Allowlist.Paths,
		Regexes:   doc.Allowlist.Regexes,
		StopWords: doc.Allowlist.StopWords,
	}, nil
}
