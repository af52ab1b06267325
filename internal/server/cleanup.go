package server

import (
	"context"
	"time"

	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/metrics"
)

// EventPurger deletes delivered events older than a cutoff
type EventPurger interface {
	Cleanup(olderThan time.Duration) error
}

// ReviewPruner is the part of the metrics collector the cleanup touches
type ReviewPruner interface {
	GetAllMetrics() map[string]*metrics.ReviewMetrics
	RemoveReview(reviewID string)
}

// CleanupService purges old event log rows and forgets finished reviews in the stats
type CleanupService struct {
	events           EventPurger
	reviews          ReviewPruner
	log              *logger.Logger
	checkInterval    time.Duration
	eventRetention   time.Duration
	metricsRetention time.Duration
	now              func() time.Time
}

// NewCleanupService creates a new cleanup service. Either dependency may be nil.
func NewCleanupService(events EventPurger, reviews ReviewPruner, log *logger.Logger) *CleanupService {
	return &CleanupService{
		events:           events,
		reviews:          reviews,
		log:              logger.OrNop(log).With("component", "cleanup"),
		checkInterval:    10 * time.Minute,
		eventRetention:   72 * time.Hour,
		metricsRetention: 7 * 24 * time.Hour,
		now:              time.Now,
	}
}

// SetIntervals configures the check interval and both retentions. Zero keeps the current value.
func (c *CleanupService) SetIntervals(check, eventRetention, metricsRetention time.Duration) {
	if check > 0 {
		c.checkInterval = check
	}
	if eventRetention > 0 {
		c.eventRetention = eventRetention
	}
	if metricsRetention > 0 {
		c.metricsRetention = metricsRetention
	}
}

// Start runs cleanup cycles until ctx is done
func (c *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	c.log.Debug("cleanup service started", "interval", c.checkInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup cycle and returns the number of reviews pruned
func (c *CleanupService) RunOnce() int {
	if c.events != nil {
		if err := c.events.Cleanup(c.eventRetention); err != nil {
			c.log.Warn("event log cleanup failed", "error", err)
		}
	}
	if c.reviews == nil {
		return 0
	}

	cutoff := c.now().Add(-c.metricsRetention)
	removed := 0
	for id, m := range c.reviews.GetAllMetrics() {
		switch m.Outcome() {
		case metrics.OutcomeActive, metrics.OutcomeBlocked:
			continue
		}
		if m.LastUpdated.Before(cutoff) {
			c.reviews.RemoveReview(id)
			removed++
		}
	}
	if removed > 0 {
		c.log.Info("pruned finished reviews from stats", "count", removed)
	}
	return removed
}
