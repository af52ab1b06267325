package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/criteria"
	"github.com/PRSENTINEL/internal/types"
)

// run is the live state of one review. mu guards review and the indexes.
type run struct {
	mu       sync.Mutex
	review   *types.Review
	criteria criteria.Criteria
	started  time.Time
	lastTS   int64

	cancel context.CancelCauseFunc
	wake   chan struct{}
	done   chan struct{}

	items      map[string]types.KnowledgeItem
	conflictBy map[string]int
	violations map[string]bool
	warnings   map[string]bool
}

func newRun(r *types.Review, crit criteria.Criteria, started time.Time) *run {
	return &run{
		review:     r,
		criteria:   crit,
		started:    started,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		items:      make(map[string]types.KnowledgeItem),
		conflictBy: make(map[string]int),
		violations: make(map[string]bool),
		warnings:   make(map[string]bool),
	}
}

// signal wakes a run waiting on conflict resolution
func (rn *run) signal() {
	select {
	case rn.wake <- struct{}{}:
	default:
	}
}

func (rn *run) snapshot() *types.Review {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return cloneReview(rn.review)
}

func (rn *run) conflicts() []types.KnowledgeConflict {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return cloneConflicts(rn.review.Conflicts)
}

// offset is the trace timestamp for now, never earlier than the previous step
func (rn *run) offset(now time.Time) int64 {
	ts := now.Sub(rn.started).Milliseconds()
	if ts < rn.lastTS {
		ts = rn.lastTS
	}
	rn.lastTS = ts
	return ts
}

func (rn *run) addWarningLocked(w types.ReviewWarning) bool {
	key := strings.Join([]string{w.Code, w.SourceID, w.PolicyID, w.Message}, "\x00")
	if rn.warnings[key] {
		return false
	}
	rn.warnings[key] = true
	rn.review.Warnings = append(rn.review.Warnings, w)
	return true
}

func (rn *run) addViolationLocked(v types.PolicyViolation) bool {
	key := fmt.Sprintf("%s\x00%s\x00%s\x00%d", v.PolicyID, v.RuleID, v.SourceFile, v.SourceLine)
	if rn.violations[key] {
		return false
	}
	rn.violations[key] = true
	rn.review.Violations = append(rn.review.Violations, v)
	return true
}

// conflictKey identifies a conflict by the items it spans
func conflictKey(c types.KnowledgeConflict) string {
	ids := append([]string(nil), c.ItemIDs...)
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}

func cloneReview(r *types.Review) *types.Review {
	out := *r
	out.Request.Files = append([]types.ChangedFile(nil), r.Request.Files...)
	out.Trace = append(make([]types.ChainOfThoughtStep, 0, len(r.Trace)), r.Trace...)
	out.Conflicts = cloneConflicts(r.Conflicts)
	out.Violations = append(make([]types.PolicyViolation, 0, len(r.Violations)), r.Violations...)
	out.Warnings = append(make([]types.ReviewWarning, 0, len(r.Warnings)), r.Warnings...)
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	return &out
}

func cloneConflicts(in []types.KnowledgeConflict) []types.KnowledgeConflict {
	out := make([]types.KnowledgeConflict, len(in))
	for i, c := range in {
		c.Sources = append([]types.ConflictingSource(nil), c.Sources...)
		c.ItemIDs = append([]string(nil), c.ItemIDs...)
		c.Resolutions = append([]types.ConflictResolution(nil), c.Resolutions...)
		out[i] = c
	}
	return out
}
