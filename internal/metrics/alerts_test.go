package metrics

import (
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/types"
)

func TestCheckStats(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  []string
	}{
		{"healthy", Stats{Completed: 3, AverageScore: 88}, nil},
		{"blocked", Stats{Blocked: 5}, []string{"blocked_reviews"}},
		{"failed", Stats{Failed: 4}, []string{"failed_reviews"}},
		{"low score", Stats{Completed: 2, AverageScore: 41.5}, []string{"low_average_score"}},
		{"no completed reviews ignores score", Stats{AverageScore: 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewAlertEngine(DefaultThresholds())
			alerts := engine.CheckStats(tt.stats)
			if len(alerts) != len(tt.want) {
				t.Fatalf("got %d alerts, want %d", len(alerts), len(tt.want))
			}
			for i, a := range alerts {
				if a.Type != tt.want[i] {
					t.Errorf("alert[%d].Type = %s, want %s", i, a.Type, tt.want[i])
				}
				if a.ID == "" || a.Message == "" {
					t.Errorf("alert[%d] missing id or message: %+v", i, a)
				}
			}
		})
	}
}

func TestCheckStatsDeduplicates(t *testing.T) {
	engine := NewAlertEngine(DefaultThresholds())
	stats := Stats{Failed: 10}

	if got := len(engine.CheckStats(stats)); got != 1 {
		t.Fatalf("first check: %d alerts, want 1", got)
	}
	if got := len(engine.CheckStats(stats)); got != 0 {
		t.Errorf("repeat check: %d alerts, want 0", got)
	}

	engine.window = 0
	time.Sleep(time.Millisecond)
	if got := len(engine.CheckStats(stats)); got != 1 {
		t.Errorf("after window: %d alerts, want 1", got)
	}
}

func TestCheckStatsDisabledThresholds(t *testing.T) {
	engine := NewAlertEngine(AlertThresholds{})
	if alerts := engine.CheckStats(Stats{Blocked: 100, Failed: 100, Completed: 1}); len(alerts) != 0 {
		t.Errorf("zero thresholds should disable checks, got %d alerts", len(alerts))
	}
}

func TestCheckSources(t *testing.T) {
	engine := NewAlertEngine(DefaultThresholds())
	sources := []types.KnowledgeSource{
		{ID: "ok", Status: types.SyncActive, Active: true},
		{ID: "broken", Status: types.SyncError, Active: true, LastError: "timeout"},
		{ID: "old", Status: types.SyncStale, Active: true, LastUpdated: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "retired", Status: types.SyncError, Active: false},
	}

	alerts := engine.CheckSources(sources)
	got := map[string]string{}
	for _, a := range alerts {
		got[a.Type] = a.Subject
	}
	if len(alerts) != 3 {
		t.Fatalf("got %d alerts, want 3: %v", len(alerts), got)
	}
	if got["source_error"] != "broken" {
		t.Errorf("source_error subject = %q", got["source_error"])
	}
	if got["source_stale"] != "old" {
		t.Errorf("source_stale subject = %q", got["source_stale"])
	}
	if _, ok := got["source_errors"]; !ok {
		t.Error("expected aggregate source_errors alert")
	}
}

func TestSetThresholds(t *testing.T) {
	engine := NewAlertEngine(DefaultThresholds())
	engine.SetThresholds(AlertThresholds{FailedReviewsMax: 1})
	if engine.GetThresholds().FailedReviewsMax != 1 {
		t.Error("SetThresholds did not apply")
	}
}
