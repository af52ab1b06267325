package metrics

import (
	"time"

	"github.com/PRSENTINEL/internal/types"
)

// Outcome buckets a review for reporting
type Outcome string

const (
	OutcomeActive    Outcome = "active"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// ReviewMetrics is the latest known shape of one review run
type ReviewMetrics struct {
	ReviewID          string             `json:"review_id"`
	PRID              string             `json:"pr_id"`
	Mode              string             `json:"mode"`
	Status            types.ReviewStatus `json:"status"`
	Conflicts         int                `json:"conflicts"`
	BlockingConflicts int                `json:"blocking_conflicts"`
	Violations        int                `json:"violations"`
	Warnings          int                `json:"warnings"`
	Steps             int                `json:"steps"`
	Comments          int                `json:"comments"`
	Score             float64            `json:"score"`
	TimesBlocked      int                `json:"times_blocked"`
	StartedAt         time.Time          `json:"started_at"`
	LastUpdated       time.Time          `json:"last_updated"`
}

// Outcome classifies the review's current status
func (m *ReviewMetrics) Outcome() Outcome {
	switch m.Status {
	case types.ReviewBlocked:
		return OutcomeBlocked
	case types.ReviewCompleted:
		return OutcomeCompleted
	case types.ReviewCancelled:
		return OutcomeCancelled
	case types.ReviewFailed:
		return OutcomeFailed
	default:
		return OutcomeActive
	}
}

// Duration is the time from start to the last status change
func (m *ReviewMetrics) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.LastUpdated.Before(m.StartedAt) {
		return 0
	}
	return m.LastUpdated.Sub(m.StartedAt)
}

// ModeMetrics aggregates completed reviews of one criteria mode
type ModeMetrics struct {
	Reviews    int     `json:"reviews"`
	Completed  int     `json:"completed"`
	TotalScore float64 `json:"-"`
}

// AverageScore is the mean overall score of completed reviews in the mode
func (m *ModeMetrics) AverageScore() float64 {
	if m.Completed == 0 {
		return 0
	}
	return m.TotalScore / float64(m.Completed)
}
