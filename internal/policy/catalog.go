package policy

import (
	"regexp"
	"strings"

	"github.com/PRSENTINEL/internal/types"
)

// catalogRule is a built-in check selected by the wording of a policy
type catalogRule struct {
	ID          string
	Phrases     []string
	Pattern     *regexp.Regexp
	Description string
	Suggestion  string
	Certainty   float64
	Category    types.Category
	AppliesTo   []string
	Packages    []types.PackageSuggestion
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

var catalog = []catalogRule{
	{
		ID:          "parameterized-sql",
		Phrases:     []string{"sql injection", "parameterized", "parameterised", "prepared statement", "prepared statements"},
		Pattern:     regexp.MustCompile("(?i)\\b(select|insert|update|delete)\\b[^;]*(\\$\\{|[\"'`]\\s*\\+\\s*\\w|%[sv]|\\.format\\()"),
		Description: "Direct string interpolation in SQL query detected.",
		Suggestion:  "Use parameterized queries or prepared statements to prevent SQL injection attacks.",
		Certainty:   0.95,
		Category:    types.CategorySecurity,
		Packages: []types.PackageSuggestion{
			{Name: "pg", Reason: "PostgreSQL client with built-in parameterized query support"},
			{Name: "knex", Reason: "Query builder that binds values instead of interpolating them"},
		},
	},
	{
		ID:          "hardcoded-secrets",
		Phrases:     []string{"secret", "secrets", "credential", "credentials", "hardcoded", "hard coded", "api key", "api keys", "password", "passwords"},
		Pattern:     regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token|token)\b["']?\s*[:=]\s*["'][^"']{4,}["']`),
		Description: "Credential literal committed in source.",
		Suggestion:  "Load secrets from the environment or a secret manager.",
		Certainty:   0.85,
		Category:    types.CategorySecurity,
		Packages: []types.PackageSuggestion{
			{Name: "dotenv", Reason: "Loads configuration from the environment instead of source"},
		},
	},
	{
		ID:          "console-logging",
		Phrases:     []string{"console", "debug output", "print statement", "debug logging"},
		Pattern:     regexp.MustCompile(`\bconsole\.(log|debug|trace)\s*\(|\bfmt\.Print(ln|f)?\s*\(|^\s*print\s*\(`),
		Description: "Debug output left in code.",
		Suggestion:  "Use the structured logger instead of printing.",
		Certainty:   0.9,
		Category:    types.CategoryStyle,
		Packages: []types.PackageSuggestion{
			{Name: "pino", Reason: "Structured logger with levels"},
		},
	},
	{
		ID:          "empty-catch",
		Phrases:     []string{"empty catch", "swallow", "swallowed", "error handling", "handle errors"},
		Pattern:     regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}|except[^:]*:\s*pass\b|if err != nil \{\s*\}`),
		Description: "Error is caught and discarded.",
		Suggestion:  "Handle, log, or propagate the error.",
		Certainty:   0.8,
		Category:    types.CategoryPerformance,
	},
	{
		ID:          "any-type",
		Phrases:     []string{"any type", "type safety", "explicit types", "strict types"},
		Pattern:     regexp.MustCompile(`:\s*any\b|<any>|\bas any\b`),
		Description: "Use of the any type weakens type checking.",
		Suggestion:  "Replace any with a concrete type or unknown.",
		Certainty:   0.85,
		Category:    types.CategoryStyle,
		AppliesTo:   []string{"*.ts", "*.tsx"},
		Packages: []types.PackageSuggestion{
			{Name: "@typescript-eslint/eslint-plugin", Reason: "Flags implicit and explicit any"},
		},
	},
	{
		ID:          "todo-marker",
		Phrases:     []string{"todo", "todos", "fixme"},
		Pattern:     regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`),
		Description: "Unresolved work marker in code.",
		Suggestion:  "Resolve the marker or link it to a tracked issue.",
		Certainty:   0.7,
		Category:    types.CategoryStyle,
	},
	{
		ID:          "no-eval",
		Phrases:     []string{"eval", "dynamic code"},
		Pattern:     regexp.MustCompile(`\beval\s*\(|\bnew Function\s*\(`),
		Description: "Dynamic code evaluation.",
		Suggestion:  "Remove eval; parse data explicitly.",
		Certainty:   0.9,
		Category:    types.CategorySecurity,
	},
}

// lookupCatalog returns the first catalog rule whose phrases appear in the policy text
func lookupCatalog(item types.KnowledgeItem) (catalogRule, bool) {
	text := " " + nonWord.ReplaceAllString(strings.ToLower(item.Title+" "+item.Content+" "+strings.Join(item.Tags, " ")), " ") + " "
	for _, rule := range catalog {
		for _, phrase := range rule.Phrases {
			if strings.Contains(text, " "+phrase+" ") {
				return rule, true
			}
		}
	}
	return catalogRule{}, false
}

// Packages returns the dependency suggestions tied to a rule id
func Packages(ruleID string) []types.PackageSuggestion {
	for _, rule := range catalog {
		if rule.ID == ruleID {
			return append([]types.PackageSuggestion(nil), rule.Packages...)
		}
	}
	return nil
}

// Hints returns the leading phrase of every built-in check that fires on a line
// of snippet. Retrieval uses them to find the policies worded for that code.
func Hints(file, snippet string) []string {
	var out []string
	lines := strings.Split(snippet, "\n")
	for _, rule := range catalog {
		r := Rule{AppliesTo: rule.AppliesTo}
		if !r.Applies(file) {
			continue
		}
		for _, line := range lines {
			if rule.Pattern.MatchString(line) {
				out = append(out, rule.Phrases[0])
				break
			}
		}
	}
	return out
}
