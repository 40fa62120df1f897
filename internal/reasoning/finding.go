package reasoning

import (
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/detector"
)

var categoryComponents = map[detector.Category][]string{
	detector.InfiniteRecursion:         {ComponentRetryHandler},
	detector.ResourceLeak:              {ComponentEffectLifecycle},
	detector.MissingCleanup:            {ComponentEffectLifecycle},
	detector.InsufficientErrorHandling: {ComponentErrorHandling},
	detector.InjectionRisk:             {ComponentRendering},
}

var familyComponents = map[string]string{
	detector.FamilyPaymentWebhook:     ComponentPaymentWebhook,
	detector.FamilySessionPersistence: ComponentSessionStorage,
	detector.FamilySecretExposure:     ComponentSecretManagement,
}

// ProblemFromFinding turns a finding into a problem statement whose
// components follow from its category and external families.
func ProblemFromFinding(f detector.Finding) Problem {
	statement := strings.ReplaceAll(string(f.Category), "_", " ") + " in " + f.SourceArtifact
	if f.Description != "" {
		statement += ": " + f.Description
	}
	p := Problem{Statement: statement}
	if f.Evidence.Match != "" {
		p.Context = append(p.Context, f.Evidence.Match)
	}

	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			p.Components = append(p.Components, c)
		}
	}
	for _, fam := range f.ExternalCategories {
		if c, ok := familyComponents[fam]; ok {
			add(c)
		}
	}
	for _, c := range categoryComponents[f.Category] {
		add(c)
	}
	return p
}
