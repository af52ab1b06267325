package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/types"
)

// Collector aggregates review statistics
type Collector interface {
	ObserveReview(r *types.Review)
	GetReviewMetrics(reviewID string) *ReviewMetrics
	GetAllMetrics() map[string]*ReviewMetrics
	Stats() Stats
	TakeSnapshot() Snapshot
	GetHistory() []Snapshot
	ResetHistory()
	RemoveReview(reviewID string)
}

// Stats summarises every observed review
type Stats struct {
	TotalReviews      int                    `json:"total_reviews"`
	Active            int                    `json:"active"`
	Blocked           int                    `json:"blocked"`
	Completed         int                    `json:"completed"`
	Cancelled         int                    `json:"cancelled"`
	Failed            int                    `json:"failed"`
	TimesBlocked      int                    `json:"times_blocked"`
	ConflictsDetected int                    `json:"conflicts_detected"`
	ViolationsFound   int                    `json:"violations_found"`
	AverageConflicts  float64                `json:"average_conflicts"`
	AverageViolations float64                `json:"average_violations"`
	AverageScore      float64                `json:"average_score"`
	AverageComments   float64                `json:"average_comments"`
	ByMode            map[string]ModeSummary `json:"by_mode"`
}

// ModeSummary is the exported view of ModeMetrics
type ModeSummary struct {
	Reviews      int     `json:"reviews"`
	Completed    int     `json:"completed"`
	AverageScore float64 `json:"average_score"`
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Stats     Stats     `json:"stats"`
}

// MetricsCollector implements Collector
type MetricsCollector struct {
	mu         sync.RWMutex
	reviews    map[string]*ReviewMetrics
	history    []Snapshot
	maxHistory int
	now        func() time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		reviews:    make(map[string]*ReviewMetrics),
		history:    []Snapshot{},
		maxHistory: 1000,
		now:        time.Now,
	}
}

// SetClock replaces the time source (tests)
func (c *MetricsCollector) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// ObserveReview records the review's latest status and counts
func (c *MetricsCollector) ObserveReview(r *types.Review) {
	if r == nil || r.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.reviews[r.ID]
	if !ok {
		m = &ReviewMetrics{ReviewID: r.ID, StartedAt: r.CreatedAt}
		c.reviews[r.ID] = m
	}
	if r.Status == types.ReviewBlocked && m.Status != types.ReviewBlocked {
		m.TimesBlocked++
	}
	m.PRID = r.PRID
	m.Status = r.Status
	m.Conflicts = len(r.Conflicts)
	m.BlockingConflicts = len(r.BlockingConflicts())
	m.Violations = len(r.Violations)
	m.Warnings = len(r.Warnings)
	m.Steps = len(r.Trace)
	m.LastUpdated = c.now()
	if r.Result != nil {
		m.Mode = r.Result.Mode
		m.Score = r.Result.Score
		m.Comments = len(r.Result.Comments)
	} else if r.Request.Mode != "" {
		m.Mode = r.Request.Mode
	}
}

// GetReviewMetrics returns metrics for one review
func (c *MetricsCollector) GetReviewMetrics(reviewID string) *ReviewMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.reviews[reviewID]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// GetAllMetrics returns a copy of every review's metrics
func (c *MetricsCollector) GetAllMetrics() map[string]*ReviewMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*ReviewMetrics, len(c.reviews))
	for k, v := range c.reviews {
		cp := *v
		result[k] = &cp
	}
	return result
}

// Stats aggregates the observed reviews. Averages over scores and comments
// only count completed reviews.
func (c *MetricsCollector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked()
}

func (c *MetricsCollector) statsLocked() Stats {
	s := Stats{ByMode: make(map[string]ModeSummary)}
	modes := make(map[string]*ModeMetrics)
	var scoreSum float64
	var commentSum int

	for _, m := range c.reviews {
		s.TotalReviews++
		s.TimesBlocked += m.TimesBlocked
		s.ConflictsDetected += m.Conflicts
		s.ViolationsFound += m.Violations

		mode := modes[m.Mode]
		if mode == nil {
			mode = &ModeMetrics{}
			modes[m.Mode] = mode
		}
		mode.Reviews++

		switch m.Outcome() {
		case OutcomeActive:
			s.Active++
		case OutcomeBlocked:
			s.Blocked++
		case OutcomeCompleted:
			s.Completed++
			scoreSum += m.Score
			commentSum += m.Comments
			mode.Completed++
			mode.TotalScore += m.Score
		case OutcomeCancelled:
			s.Cancelled++
		case OutcomeFailed:
			s.Failed++
		}
	}

	if s.TotalReviews > 0 {
		s.AverageConflicts = round1(float64(s.ConflictsDetected) / float64(s.TotalReviews))
		s.AverageViolations = round1(float64(s.ViolationsFound) / float64(s.TotalReviews))
	}
	if s.Completed > 0 {
		s.AverageScore = round1(scoreSum / float64(s.Completed))
		s.AverageComments = round1(float64(commentSum) / float64(s.Completed))
	}
	for name, mm := range modes {
		if name == "" {
			continue
		}
		s.ByMode[name] = ModeSummary{
			Reviews:      mm.Reviews,
			Completed:    mm.Completed,
			AverageScore: round1(mm.AverageScore()),
		}
	}
	return s
}

// TakeSnapshot captures current stats into the history
func (c *MetricsCollector) TakeSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := Snapshot{Timestamp: c.now(), Stats: c.statsLocked()}
	c.history = append(c.history, snapshot)
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	return snapshot
}

// GetHistory returns the snapshot history
func (c *MetricsCollector) GetHistory() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Snapshot, len(c.history))
	copy(result, c.history)
	return result
}

// ResetHistory clears the snapshot history
func (c *MetricsCollector) ResetHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = []Snapshot{}
}

// RemoveReview forgets one review
func (c *MetricsCollector) RemoveReview(reviewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reviews, reviewID)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
