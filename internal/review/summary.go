package review

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/PRSENTINEL/internal/config"
	"github.com/PRSENTINEL/internal/policy"
	"github.com/PRSENTINEL/internal/types"
)

// Category penalties subtracted from a perfect 100
const (
	PenaltyError    = 25.0
	PenaltyWarning  = 10.0
	PenaltyInfo     = 3.0
	PenaltyConflict = 5.0
)

func (o *Orchestrator) summarize(ctx context.Context, rn *run) error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	r := rn.review

	for _, c := range r.Conflicts {
		if c.Status == types.ConflictResolved {
			continue
		}
		rn.addWarningLocked(types.ReviewWarning{
			Code:    types.WarnConflictUnresolved,
			Message: fmt.Sprintf("conflict %q (%s) was not resolved; the review proceeded without either side", c.Title, c.Impact),
			Stage:   c.Context.ReviewStep,
		})
	}

	categories, overall := Score(r.Violations, r.Conflicts, rn.items, rn.criteria.Weights)
	comments := Comments(r.Violations)
	result := &types.ReviewResult{
		Score:      overall,
		Categories: categories,
		Comments:   comments,
		Packages:   Packages(r.Violations),
		Warnings:   append([]types.ReviewWarning(nil), r.Warnings...),
		Mode:       string(rn.criteria.Mode),
	}
	if result.Warnings == nil {
		result.Warnings = []types.ReviewWarning{}
	}
	result.Summary = summaryText(r, rn.criteria.Mode.Label(), result)

	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:       types.StepDecision,
		Content:    result.Summary,
		Context:    string(types.StageSummaryGeneration),
		Confidence: round2(overall / 100),
		Metadata:   &types.StepMetadata{Score: overall},
	})
	r.Result = result
	r.Stage = types.StageDone
	o.setStatusLocked(ctx, rn, types.ReviewCompleted)
	return nil
}

// Score computes per-category scores and their weighted average. Each
// violation costs its category a severity penalty; each conflict still
// unresolved at summary time costs the category of its items.
func Score(violations []types.PolicyViolation, conflicts []types.KnowledgeConflict, items map[string]types.KnowledgeItem, weights config.Weights) (types.CategoryScores, float64) {
	penalty := make(map[types.Category]float64)
	for _, v := range violations {
		cat := v.Category
		if cat == "" {
			cat = types.CategoryStyle
		}
		switch v.Severity {
		case types.SeverityError:
			penalty[cat] += PenaltyError
		case types.SeverityWarning:
			penalty[cat] += PenaltyWarning
		default:
			penalty[cat] += PenaltyInfo
		}
	}
	for _, c := range conflicts {
		if c.Status == types.ConflictResolved {
			continue
		}
		penalty[conflictCategory(c, items)] += PenaltyConflict
	}

	var scores types.CategoryScores
	total, weightSum := 0.0, 0.0
	for _, cat := range types.AllCategories() {
		s := math.Max(0, 100-penalty[cat])
		scores.Set(cat, s)
		w := weights[cat]
		total += w * s
		weightSum += w
	}
	if weightSum == 0 {
		return scores, 0
	}
	return scores, math.Round(total/weightSum*10) / 10
}

func conflictCategory(c types.KnowledgeConflict, items map[string]types.KnowledgeItem) types.Category {
	if c.ConflictType == types.ConflictSecurityViolation {
		return types.CategorySecurity
	}
	for _, id := range c.ItemIDs {
		if item, ok := items[id]; ok {
			return policy.CategoryOf(item)
		}
	}
	return types.CategoryStyle
}

// Comments renders violations as review comments ordered by file then line
func Comments(violations []types.PolicyViolation) []types.ReviewComment {
	out := make([]types.ReviewComment, 0, len(violations))
	for _, v := range violations {
		msg := v.Description
		if v.PolicyTitle != "" {
			msg = v.PolicyTitle + ": " + msg
		}
		if v.Suggestion != "" {
			msg += " " + v.Suggestion
		}
		out = append(out, types.ReviewComment{
			File:     v.SourceFile,
			Line:     v.SourceLine,
			Type:     commentType(v),
			Message:  msg,
			Code:     v.Code,
			PolicyID: v.PolicyID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out
}

func commentType(v types.PolicyViolation) types.CommentType {
	switch {
	case v.Severity == types.SeverityError:
		return types.CommentError
	case v.Category == types.CategoryPerformance:
		return types.CommentOptimization
	case v.Severity == types.SeverityWarning:
		return types.CommentWarning
	default:
		return types.CommentSuggestion
	}
}

// Packages collects the dependency suggestions of the rules that fired
func Packages(violations []types.PolicyViolation) []types.PackageSuggestion {
	out := make([]types.PackageSuggestion, 0)
	seen := make(map[string]bool)
	for _, v := range violations {
		for _, p := range policy.Packages(v.RuleID) {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			out = append(out, p)
		}
	}
	return out
}

func summaryText(r *types.Review, mode string, res *types.ReviewResult) string {
	counts := make(map[types.Severity]int)
	for _, v := range r.Violations {
		counts[v.Severity]++
	}
	resolved := 0
	for _, c := range r.Conflicts {
		if c.Status == types.ConflictResolved {
			resolved++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s of %d files: score %.1f/100. ", mode, len(r.Request.Files), res.Score)
	if len(r.Violations) == 0 {
		b.WriteString("No policy violations found. ")
	} else {
		fmt.Fprintf(&b, "%d errors, %d warnings, %d suggestions. ",
			counts[types.SeverityError], counts[types.SeverityWarning], counts[types.SeverityInfo])
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintf(&b, "%d knowledge conflicts, %d resolved. ", len(r.Conflicts), resolved)
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(&b, "Completed with %d warnings.", len(res.Warnings))
	}
	return strings.TrimSpace(b.String())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
