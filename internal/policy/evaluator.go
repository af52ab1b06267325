// Package policy turns policy knowledge items into executable line rules and
// scans changed code against them.
package policy

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/types"
)

const defaultCertainty = 0.9

// CodeContext is a snippet of changed code. Line is the file line of the
// snippet's first line; zero means line 1.
type CodeContext struct {
	File    string
	Line    int
	Snippet string
}

// Skipped names a policy that could not be evaluated
type Skipped struct {
	PolicyID string `json:"policy_id"`
	Reason   string `json:"reason"`
}

// Outcome is the result of one evaluation batch
type Outcome struct {
	Violations []types.PolicyViolation `json:"violations"`
	Skipped    []Skipped               `json:"skipped,omitempty"`
}

// Rule is the executable form of a policy
type Rule struct {
	ID          string
	PolicyID    string
	Pattern     *regexp.Regexp
	Severity    types.Severity
	Description string
	Suggestion  string
	Certainty   float64
	Category    types.Category
	AppliesTo   []string
}

// Applies reports whether the rule covers file
func (r *Rule) Applies(file string) bool {
	if len(r.AppliesTo) == 0 || file == "" {
		return true
	}
	for _, glob := range r.AppliesTo {
		if ok, _ := path.Match(glob, file); ok {
			return true
		}
		if ok, _ := path.Match(glob, path.Base(file)); ok {
			return true
		}
		if strings.HasPrefix(glob, "**/") {
			if ok, _ := path.Match(strings.TrimPrefix(glob, "**/"), path.Base(file)); ok {
				return true
			}
		}
	}
	return false
}

// Compile builds the rule for a policy item: its explicit rule when present,
// otherwise the built-in check matching its wording. Failures wrap ErrPolicyUnevaluable.
func Compile(item types.KnowledgeItem) (*Rule, error) {
	wording := SeverityFromWording(item.Title + ". " + item.Content)

	if item.Rule != nil && strings.TrimSpace(item.Rule.Pattern) != "" {
		re, err := regexp.Compile(item.Rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %s: invalid pattern: %v", apierr.ErrPolicyUnevaluable, item.ID, err)
		}
		for _, glob := range item.Rule.AppliesTo {
			if _, err := path.Match(glob, ""); err != nil {
				return nil, fmt.Errorf("%w: policy %s: invalid glob %q", apierr.ErrPolicyUnevaluable, item.ID, glob)
			}
		}
		rule := &Rule{
			ID:          "custom",
			PolicyID:    item.ID,
			Pattern:     re,
			Severity:    item.Rule.Severity,
			Description: fmt.Sprintf("Code matches a pattern prohibited by %q.", item.Title),
			Suggestion:  item.Rule.Suggestion,
			Certainty:   item.Rule.Certainty,
			Category:    CategoryOf(item),
			AppliesTo:   item.Rule.AppliesTo,
		}
		if types.SeverityRank(rule.Severity) == 0 {
			rule.Severity = wording
		}
		if rule.Certainty <= 0 || rule.Certainty > 1 {
			rule.Certainty = defaultCertainty
		}
		if rule.Suggestion == "" {
			rule.Suggestion = fmt.Sprintf("Follow %s: %s", item.Title, item.Content)
		}
		return rule, nil
	}

	entry, ok := lookupCatalog(item)
	if !ok {
		return nil, fmt.Errorf("%w: policy %s: no executable rule for its wording", apierr.ErrPolicyUnevaluable, item.ID)
	}
	return &Rule{
		ID:          entry.ID,
		PolicyID:    item.ID,
		Pattern:     entry.Pattern,
		Severity:    wording,
		Description: entry.Description,
		Suggestion:  entry.Suggestion,
		Certainty:   entry.Certainty,
		Category:    entry.Category,
		AppliesTo:   entry.AppliesTo,
	}, nil
}

// SeverityFromWording maps binding language to error, advisory language to
// warning, and everything else to info.
func SeverityFromWording(text string) types.Severity {
	switch conflict.ReadPosition(text).Modality {
	case conflict.ModalityMandatory, conflict.ModalityProhibited:
		return types.SeverityError
	case conflict.ModalityRecommended:
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}

func CategoryOf(item types.KnowledgeItem) types.Category {
	for _, tag := range item.Tags {
		for _, c := range types.AllCategories() {
			if strings.EqualFold(tag, string(c)) {
				return c
			}
		}
	}
	return types.CategoryStyle
}

// Evaluator scans code against policies, caching compiled rules
type Evaluator struct {
	mu    sync.Mutex
	rules map[string]compiled
	log   *logger.Logger
}

type compiled struct {
	key  string
	rule *Rule
	err  error
}

// NewEvaluator creates an evaluator
func NewEvaluator(log *logger.Logger) *Evaluator {
	return &Evaluator{rules: make(map[string]compiled), log: logger.OrNop(log)}
}

func (e *Evaluator) rule(item types.KnowledgeItem) (*Rule, error) {
	key := item.LastUpdated.String() + "\x00" + item.Title + "\x00" + item.Content
	if item.Rule != nil {
		key += "\x00" + item.Rule.Pattern + "\x00" + string(item.Rule.Severity) + "\x00" + strings.Join(item.Rule.AppliesTo, ",")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.rules[item.ID]; ok && c.key == key {
		return c.rule, c.err
	}
	r, err := Compile(item)
	e.rules[item.ID] = compiled{key: key, rule: r, err: err}
	return r, err
}

// Evaluate applies each policy to every line of the snippet. One violation is
// emitted per matching line. Policies that cannot be compiled are reported in
// Skipped and never abort the batch. Items that are not policies or
// requirements are ignored.
func (e *Evaluator) Evaluate(code CodeContext, policies []types.KnowledgeItem) Outcome {
	out := Outcome{Violations: make([]types.PolicyViolation, 0)}
	first := code.Line
	if first <= 0 {
		first = 1
	}
	lines := strings.Split(code.Snippet, "\n")

	for _, item := range policies {
		if item.Type != types.ItemPolicy && item.Type != types.ItemRequirement {
			continue
		}
		rule, err := e.rule(item)
		if err != nil {
			reason := err.Error()
			if !errors.Is(err, apierr.ErrPolicyUnevaluable) {
				reason = fmt.Sprintf("%v: %s", apierr.ErrPolicyUnevaluable, reason)
			}
			e.log.Warn("policy unevaluable, skipping", "policy_id", item.ID, "error", reason)
			out.Skipped = append(out.Skipped, Skipped{PolicyID: item.ID, Reason: reason})
			continue
		}
		if !rule.Applies(code.File) {
			continue
		}
		for i, line := range lines {
			if !rule.Pattern.MatchString(line) {
				continue
			}
			out.Violations = append(out.Violations, types.PolicyViolation{
				ID:          uuid.New().String(),
				Severity:    rule.Severity,
				PolicyID:    item.ID,
				PolicyTitle: item.Title,
				Description: rule.Description,
				Suggestion:  rule.Suggestion,
				Confidence:  rule.Certainty,
				SourceFile:  code.File,
				SourceLine:  first + i,
				Code:        strings.TrimSpace(line),
				RuleID:      rule.ID,
				Category:    rule.Category,
			})
		}
	}
	return out
}
