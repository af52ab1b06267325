package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/types"
	"github.com/google/uuid"
)

// AlertThresholds bound the review and source health figures. Zero disables a check.
type AlertThresholds struct {
	BlockedReviewsMax int     `json:"blocked_reviews_max"`
	FailedReviewsMax  int     `json:"failed_reviews_max"`
	MinAverageScore   float64 `json:"min_average_score"`
	SourceErrorsMax   int     `json:"source_errors_max"`
}

// DefaultThresholds returns sensible defaults
func DefaultThresholds() AlertThresholds {
	return AlertThresholds{
		BlockedReviewsMax: 5,
		FailedReviewsMax:  3,
		MinAverageScore:   60,
		SourceErrorsMax:   1,
	}
}

// Alert is a dashboard notification
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"` // "warning", "critical"
	CreatedAt time.Time `json:"created_at"`
}

// AlertEngine checks metrics against thresholds and generates alerts
type AlertEngine interface {
	SetThresholds(thresholds AlertThresholds)
	GetThresholds() AlertThresholds
	CheckStats(stats Stats) []*Alert
	CheckSources(sources []types.KnowledgeSource) []*Alert
}

// AlertChecker implements AlertEngine
type AlertChecker struct {
	mu         sync.RWMutex
	thresholds AlertThresholds
	// Track alerts to avoid duplicates
	recentAlerts map[string]time.Time
	window       time.Duration
}

// NewAlertEngine creates a new alert engine
func NewAlertEngine(thresholds AlertThresholds) *AlertChecker {
	return &AlertChecker{
		thresholds:   thresholds,
		recentAlerts: make(map[string]time.Time),
		window:       5 * time.Minute,
	}
}

// SetThresholds updates alert thresholds
func (a *AlertChecker) SetThresholds(thresholds AlertThresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = thresholds
}

// GetThresholds returns current thresholds
func (a *AlertChecker) GetThresholds() AlertThresholds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thresholds
}

// shouldAlert checks if we should create an alert (avoids duplicates)
func (a *AlertChecker) shouldAlert(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for k, t := range a.recentAlerts {
		if now.Sub(t) > a.window {
			delete(a.recentAlerts, k)
		}
	}
	if _, exists := a.recentAlerts[key]; exists {
		return false
	}
	a.recentAlerts[key] = now
	return true
}

func (a *AlertChecker) newAlert(key, kind, subject, severity, format string, args ...interface{}) *Alert {
	if !a.shouldAlert(key) {
		return nil
	}
	return &Alert{
		ID:        uuid.New().String(),
		Type:      kind,
		Subject:   subject,
		Message:   fmt.Sprintf(format, args...),
		Severity:  severity,
		CreatedAt: time.Now(),
	}
}

// CheckStats examines aggregate review statistics
func (a *AlertChecker) CheckStats(stats Stats) []*Alert {
	th := a.GetThresholds()
	var alerts []*Alert

	if th.BlockedReviewsMax > 0 && stats.Blocked >= th.BlockedReviewsMax {
		if al := a.newAlert("blocked_reviews", "blocked_reviews", "", "warning",
			"%d reviews are waiting on conflict resolution (threshold: %d)", stats.Blocked, th.BlockedReviewsMax); al != nil {
			alerts = append(alerts, al)
		}
	}
	if th.FailedReviewsMax > 0 && stats.Failed >= th.FailedReviewsMax {
		if al := a.newAlert("failed_reviews", "failed_reviews", "", "critical",
			"%d reviews have failed (threshold: %d)", stats.Failed, th.FailedReviewsMax); al != nil {
			alerts = append(alerts, al)
		}
	}
	if th.MinAverageScore > 0 && stats.Completed > 0 && stats.AverageScore < th.MinAverageScore {
		if al := a.newAlert("average_score", "low_average_score", "", "warning",
			"Average review score %.1f is below %.1f", stats.AverageScore, th.MinAverageScore); al != nil {
			alerts = append(alerts, al)
		}
	}
	return alerts
}

// CheckSources reports knowledge sources that failed to sync or went stale
func (a *AlertChecker) CheckSources(sources []types.KnowledgeSource) []*Alert {
	th := a.GetThresholds()
	var alerts []*Alert
	failing := 0

	for _, src := range sources {
		if !src.Active {
			continue
		}
		switch src.Status {
		case types.SyncError:
			failing++
			if al := a.newAlert("source_error_"+src.ID, "source_error", src.ID, "critical",
				"Knowledge source %s failed to sync: %s", src.ID, src.LastError); al != nil {
				alerts = append(alerts, al)
			}
		case types.SyncStale:
			if al := a.newAlert("source_stale_"+src.ID, "source_stale", src.ID, "warning",
				"Knowledge source %s has not been refreshed since %s", src.ID, src.LastUpdated.Format(time.RFC3339)); al != nil {
				alerts = append(alerts, al)
			}
		}
	}

	if th.SourceErrorsMax > 0 && failing >= th.SourceErrorsMax {
		if al := a.newAlert("source_errors", "source_errors", "", "critical",
			"%d knowledge sources are failing (threshold: %d)", failing, th.SourceErrorsMax); al != nil {
			alerts = append(alerts, al)
		}
	}
	return alerts
}
