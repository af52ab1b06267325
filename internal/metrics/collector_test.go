package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/types"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.reviews == nil {
		t.Error("reviews map should be initialized")
	}
	if c.maxHistory != 1000 {
		t.Errorf("maxHistory = %d, want 1000", c.maxHistory)
	}
}

func review(id string, status types.ReviewStatus) *types.Review {
	return &types.Review{
		ID:        id,
		PRID:      "pr-" + id,
		Status:    status,
		Request:   types.ReviewRequest{Mode: "security"},
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestObserveReview_TracksLatestStatus(t *testing.T) {
	c := NewCollector()
	c.SetClock(func() time.Time { return time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC) })

	r := review("r1", types.ReviewRunning)
	c.ObserveReview(r)

	r.Status = types.ReviewBlocked
	r.Conflicts = []types.KnowledgeConflict{{ID: "c1", Impact: types.ImpactBlocksReview, Status: types.ConflictPending}}
	c.ObserveReview(r)
	c.ObserveReview(r) // repeated blocked notification is one block

	r.Status = types.ReviewRunning
	r.Conflicts[0].Status = types.ConflictResolved
	c.ObserveReview(r)

	r.Status = types.ReviewCompleted
	r.Violations = []types.PolicyViolation{{ID: "v1"}, {ID: "v2"}}
	r.Result = &types.ReviewResult{Score: 82.5, Mode: "security", Comments: []types.ReviewComment{{File: "a.ts"}}}
	c.ObserveReview(r)

	m := c.GetReviewMetrics("r1")
	if m == nil {
		t.Fatal("GetReviewMetrics returned nil")
	}
	if m.TimesBlocked != 1 {
		t.Errorf("TimesBlocked = %d, want 1", m.TimesBlocked)
	}
	if m.Outcome() != OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", m.Outcome())
	}
	if m.BlockingConflicts != 0 || m.Conflicts != 1 {
		t.Errorf("conflicts = %d/%d, want 1 total 0 blocking", m.Conflicts, m.BlockingConflicts)
	}
	if m.Violations != 2 || m.Comments != 1 || m.Score != 82.5 {
		t.Errorf("unexpected counts: %+v", m)
	}
	if m.Duration() != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", m.Duration())
	}
}

func TestObserveReview_IgnoresAnonymous(t *testing.T) {
	c := NewCollector()
	c.ObserveReview(nil)
	c.ObserveReview(&types.Review{})
	if len(c.GetAllMetrics()) != 0 {
		t.Error("reviews without id should not be recorded")
	}
}

func TestStats(t *testing.T) {
	c := NewCollector()

	done := review("r1", types.ReviewCompleted)
	done.Conflicts = []types.KnowledgeConflict{{ID: "c1"}, {ID: "c2"}}
	done.Violations = []types.PolicyViolation{{ID: "v1"}}
	done.Result = &types.ReviewResult{Score: 90, Mode: "security", Comments: make([]types.ReviewComment, 3)}
	c.ObserveReview(done)

	done2 := review("r2", types.ReviewCompleted)
	done2.Result = &types.ReviewResult{Score: 70, Mode: "style", Comments: make([]types.ReviewComment, 1)}
	c.ObserveReview(done2)

	blocked := review("r3", types.ReviewBlocked)
	blocked.Conflicts = []types.KnowledgeConflict{{ID: "c3", Impact: types.ImpactBlocksReview}}
	c.ObserveReview(blocked)

	c.ObserveReview(review("r4", types.ReviewCancelled))
	c.ObserveReview(review("r5", types.ReviewFailed))
	c.ObserveReview(review("r6", types.ReviewRunning))

	s := c.Stats()
	if s.TotalReviews != 6 {
		t.Errorf("TotalReviews = %d, want 6", s.TotalReviews)
	}
	if s.Completed != 2 || s.Blocked != 1 || s.Cancelled != 1 || s.Failed != 1 || s.Active != 1 {
		t.Errorf("unexpected outcome counts: %+v", s)
	}
	if s.TimesBlocked != 1 {
		t.Errorf("TimesBlocked = %d, want 1", s.TimesBlocked)
	}
	if s.ConflictsDetected != 3 || s.ViolationsFound != 1 {
		t.Errorf("conflicts/violations = %d/%d, want 3/1", s.ConflictsDetected, s.ViolationsFound)
	}
	if s.AverageScore != 80 {
		t.Errorf("AverageScore = %v, want 80", s.AverageScore)
	}
	if s.AverageComments != 2 {
		t.Errorf("AverageComments = %v, want 2", s.AverageComments)
	}
	if s.AverageConflicts != 0.5 {
		t.Errorf("AverageConflicts = %v, want 0.5", s.AverageConflicts)
	}
	sec := s.ByMode["security"]
	if sec.Reviews != 5 || sec.Completed != 1 || sec.AverageScore != 90 {
		t.Errorf("security mode = %+v", sec)
	}
	if s.ByMode["style"].AverageScore != 70 {
		t.Errorf("style mode = %+v", s.ByMode["style"])
	}
}

func TestStats_Empty(t *testing.T) {
	s := NewCollector().Stats()
	if s.TotalReviews != 0 || s.AverageScore != 0 || s.AverageComments != 0 {
		t.Errorf("empty stats should be zero: %+v", s)
	}
	if s.ByMode == nil {
		t.Error("ByMode should be initialized")
	}
}

func TestTakeSnapshotPrunesHistory(t *testing.T) {
	c := NewCollector()
	c.maxHistory = 3
	c.ObserveReview(review("r1", types.ReviewRunning))

	for i := 0; i < 5; i++ {
		c.TakeSnapshot()
	}
	history := c.GetHistory()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Stats.TotalReviews != 1 {
		t.Errorf("snapshot stats = %+v", history[0].Stats)
	}

	c.ResetHistory()
	if len(c.GetHistory()) != 0 {
		t.Error("ResetHistory should clear history")
	}
}

func TestRemoveReview(t *testing.T) {
	c := NewCollector()
	c.ObserveReview(review("r1", types.ReviewRunning))
	c.RemoveReview("r1")
	if c.GetReviewMetrics("r1") != nil {
		t.Error("review should be removed")
	}
}

func TestGetReviewMetricsReturnsCopy(t *testing.T) {
	c := NewCollector()
	c.ObserveReview(review("r1", types.ReviewRunning))

	m := c.GetReviewMetrics("r1")
	m.Violations = 99
	if c.GetReviewMetrics("r1").Violations == 99 {
		t.Error("GetReviewMetrics should return a copy")
	}
}

func TestConcurrentObserve(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%10))
			c.ObserveReview(review(id, types.ReviewRunning))
			_ = c.Stats()
		}(i)
	}
	wg.Wait()
	if got := c.Stats().TotalReviews; got != 10 {
		t.Errorf("TotalReviews = %d, want 10", got)
	}
}
