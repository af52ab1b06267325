package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/persistence"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db.SQL())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)

	event := NewEvent(EventReviewStep, "orchestrator", "pr-42", PriorityNormal, map[string]interface{}{
		"content": "Gathering context",
		"seq":     7,
	})

	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pending, err := store.GetPending("pr-42", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	retrieved := pending[0]
	if retrieved.ID != event.ID || retrieved.Type != event.Type || retrieved.Target != event.Target {
		t.Errorf("unexpected event %+v", retrieved)
	}
	if !retrieved.CreatedAt.Equal(event.CreatedAt) {
		t.Errorf("expected CreatedAt %v, got %v", event.CreatedAt, retrieved.CreatedAt)
	}
	if seq, ok := retrieved.Payload["seq"].(float64); !ok || seq != 7 {
		t.Errorf("expected payload seq 7, got %v", retrieved.Payload["seq"])
	}
}

func TestSQLiteStore_MarkDelivered(t *testing.T) {
	store := setupTestDB(t)

	event := NewEvent(EventKnowledgeSync, "syncer", "wiki", PriorityNormal, map[string]interface{}{"status": "active"})
	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.MarkDelivered(event.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	pending, err := store.GetPending("wiki", nil)
	if err != nil {
		t.Fatalf("GetPending failed after marking delivered: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending events after marking delivered, got %d", len(pending))
	}

	if err := store.MarkDelivered("missing"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestSQLiteStore_FilterByType(t *testing.T) {
	store := setupTestDB(t)

	store.Save(NewEvent(EventReviewStatus, "orchestrator", "pr-1", PriorityHigh, map[string]interface{}{"status": "running"}))
	store.Save(NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, map[string]interface{}{"seq": 0}))
	store.Save(NewEvent(EventReviewConflict, "orchestrator", "pr-1", PriorityHigh, map[string]interface{}{"id": "c1"}))

	all, err := store.GetPending("pr-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 pending events, got %d", len(all))
	}
	if all[0].Priority != PriorityHigh {
		t.Errorf("expected high priority events first, got %d", all[0].Priority)
	}

	filtered, err := store.GetPending("pr-1", []EventType{EventReviewStatus, EventReviewConflict})
	if err != nil {
		t.Fatalf("GetPending with filter failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 events, got %d", len(filtered))
	}
	for _, e := range filtered {
		if e.Type == EventReviewStep {
			t.Errorf("step event should have been filtered out")
		}
	}
}

func TestSQLiteStore_GetPendingForAll(t *testing.T) {
	store := setupTestDB(t)

	store.Save(NewEvent(EventReviewStatus, "orchestrator", "pr-1", PriorityNormal, nil))
	store.Save(NewEvent(EventReviewStatus, "orchestrator", "pr-2", PriorityNormal, nil))
	store.Save(NewEvent(EventKnowledgeSync, "syncer", TargetAll, PriorityNormal, nil))

	pending1, err := store.GetPending("pr-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending1) != 2 {
		t.Errorf("expected 2 events for pr-1 (itself + 'all'), got %d", len(pending1))
	}

	pendingAll, err := store.GetPending(TargetAll, nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pendingAll) != 1 {
		t.Errorf("expected 1 event for 'all' target, got %d", len(pendingAll))
	}
}

func TestSQLiteStore_Recent(t *testing.T) {
	store := setupTestDB(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := NewEvent(EventReviewStep, "orchestrator", "pr-9", PriorityNormal, map[string]interface{}{"seq": i})
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Save(e); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.Recent("pr-9", 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, want := range []float64{2, 3, 4} {
		if got := recent[i].Payload["seq"]; got != want {
			t.Errorf("recent[%d] seq = %v, want %v", i, got, want)
		}
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	store := setupTestDB(t)

	oldEvent := NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, map[string]interface{}{"msg": "old"})
	oldEvent.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	newEvent := NewEvent(EventReviewStep, "orchestrator", "pr-1", PriorityNormal, map[string]interface{}{"msg": "new"})

	store.Save(oldEvent)
	store.Save(newEvent)
	store.MarkDelivered(oldEvent.ID)

	if err := store.Cleanup(time.Hour); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", oldEvent.ID).Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected old delivered event to be cleaned up, but it still exists")
	}

	if err := store.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", newEvent.ID).Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected new event to still exist, but count is %d", count)
	}
}
