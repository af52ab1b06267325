package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prsentinel.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer db.Close()
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestSources_RoundTripKeepsOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	updated := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"zeta", "alpha"} {
		src := &types.KnowledgeSource{
			ID: id, Name: id, Type: types.ProviderConfluence, LastUpdated: updated,
			Status: types.SyncActive, Confidence: 0.9, Priority: types.TierHigh,
			Scope: types.ScopeOrganization, Active: true,
		}
		if err := db.SaveSource(ctx, src); err != nil {
			t.Fatalf("SaveSource(%s) error = %v", id, err)
		}
	}
	// updating must not move zeta to the end
	if err := db.SaveSource(ctx, &types.KnowledgeSource{
		ID: "zeta", Name: "Zeta", Type: types.ProviderConfluence, LastUpdated: updated,
		Status: types.SyncError, Confidence: 0.9, Priority: types.TierHigh,
		Scope: types.ScopeOrganization, Active: false, LastError: "timeout",
	}); err != nil {
		t.Fatal(err)
	}

	sources, err := db.LoadSources(ctx)
	if err != nil {
		t.Fatalf("LoadSources() error = %v", err)
	}
	if len(sources) != 2 || sources[0].ID != "zeta" || sources[1].ID != "alpha" {
		t.Fatalf("unexpected sources order: %+v", sources)
	}
	z := sources[0]
	if z.Status != types.SyncError || z.Active || z.LastError != "timeout" || z.Name != "Zeta" {
		t.Errorf("update not applied: %+v", z)
	}
	if !z.LastUpdated.Equal(updated) {
		t.Errorf("LastUpdated = %v, want %v", z.LastUpdated, updated)
	}
}

func TestItems_RoundTripAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveSource(ctx, &types.KnowledgeSource{
		ID: "security_guidelines", Name: "Security", Type: types.ProviderPDF,
		Status: types.SyncActive, Confidence: 0.95, Priority: types.TierHigh,
		Scope: types.ScopeOrganization, Active: true,
	})

	items := []*types.KnowledgeItem{
		{
			ID: "policy_sql_injection", SourceID: "security_guidelines", Title: "SQL Injection Prevention",
			Content: "All database queries MUST use parameterized statements", Type: types.ItemPolicy,
			Tags: []string{"security", "sql"}, Confidence: 0.95, LastUpdated: time.Now().UTC(),
			Rule: &types.PolicyRule{Pattern: `\$\{`, Severity: types.SeverityError, AppliesTo: []string{"*.ts"}},
		},
		{ID: "policy_logging", SourceID: "security_guidelines", Title: "Logging", Type: types.ItemGuideline, Confidence: 0.5},
	}
	for _, item := range items {
		if err := db.SaveItem(ctx, item); err != nil {
			t.Fatalf("SaveItem(%s) error = %v", item.ID, err)
		}
	}

	loaded, err := db.LoadItems(ctx)
	if err != nil {
		t.Fatalf("LoadItems() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 items, got %d", len(loaded))
	}
	first := loaded[0]
	if first.Rule == nil || first.Rule.Pattern != `\$\{` || first.Rule.AppliesTo[0] != "*.ts" {
		t.Errorf("rule not round-tripped: %+v", first.Rule)
	}
	if len(first.Tags) != 2 || first.Tags[1] != "sql" {
		t.Errorf("tags not round-tripped: %v", first.Tags)
	}
	if loaded[1].Rule != nil {
		t.Error("expected nil rule for item without one")
	}

	if err := db.DeleteItems(ctx, []string{"policy_logging"}); err != nil {
		t.Fatalf("DeleteItems() error = %v", err)
	}
	loaded, _ = db.LoadItems(ctx)
	if len(loaded) != 1 || loaded[0].ID != "policy_sql_injection" {
		t.Errorf("unexpected items after delete: %+v", loaded)
	}
}

func TestReviews_TraceAndConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	review := &types.Review{
		ID: "rev-1", PRID: "1247",
		Request:   types.ReviewRequest{PRID: "1247", Mode: "comprehensive", Files: []types.ChangedFile{{Path: "tsconfig.json"}}},
		Status:    types.ReviewRunning,
		Stage:     types.StageContextGathering,
		CreatedAt: created, UpdatedAt: created,
	}
	if err := db.SaveReview(ctx, review); err != nil {
		t.Fatalf("SaveReview() error = %v", err)
	}
	for i, content := range []string{"gathering context", "applying criteria"} {
		step := types.ChainOfThoughtStep{ID: content, Timestamp: int64(i * 10), Type: types.StepThought, Content: content}
		if err := db.AppendStep(ctx, review.ID, i, step); err != nil {
			t.Fatalf("AppendStep(%d) error = %v", i, err)
		}
	}
	if err := db.AppendStep(ctx, review.ID, 1, types.ChainOfThoughtStep{ID: "dup"}); err == nil {
		t.Error("expected duplicate step position to be rejected")
	}

	conflict := types.KnowledgeConflict{ID: "c1", Title: "pooling", Impact: types.ImpactBlocksReview, Status: types.ConflictPending, ItemIDs: []string{"a", "b"}}
	if err := db.SaveConflict(ctx, review.ID, 0, conflict); err != nil {
		t.Fatal(err)
	}
	conflict.Status = types.ConflictResolved
	conflict.Resolutions = []types.ConflictResolution{{ConflictID: "c1", Resolution: types.ResolveSourceA, ResolvedBy: "human"}}
	if err := db.SaveConflict(ctx, review.ID, 0, conflict); err != nil {
		t.Fatal(err)
	}

	review.Status = types.ReviewCompleted
	review.Stage = types.StageDone
	review.Result = &types.ReviewResult{Summary: "ok", Score: 92, Mode: "comprehensive"}
	review.Warnings = []types.ReviewWarning{{Code: types.WarnSourceUnavailable, SourceID: "wiki"}}
	review.UpdatedAt = created.Add(time.Minute)
	if err := db.SaveReview(ctx, review); err != nil {
		t.Fatal(err)
	}

	got, err := db.LatestReview(ctx, "1247")
	if err != nil {
		t.Fatalf("LatestReview() error = %v", err)
	}
	if got.Status != types.ReviewCompleted || got.Result == nil || got.Result.Score != 92 {
		t.Errorf("unexpected review header: %+v", got)
	}
	if len(got.Trace) != 2 || got.Trace[1].Content != "applying criteria" {
		t.Errorf("unexpected trace: %+v", got.Trace)
	}
	if len(got.Conflicts) != 1 || got.Conflicts[0].Status != types.ConflictResolved || got.Conflicts[0].WinningItem() != "a" {
		t.Errorf("unexpected conflicts: %+v", got.Conflicts)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].SourceID != "wiki" {
		t.Errorf("unexpected warnings: %+v", got.Warnings)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestReviews_NotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetReview(ctx, "missing"); !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("GetReview: expected ErrNotFound, got %v", err)
	}
	if _, err := db.LatestReview(ctx, "missing"); !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("LatestReview: expected ErrNotFound, got %v", err)
	}
}

func TestReviews_ListAndMarkInterrupted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	statuses := []types.ReviewStatus{types.ReviewCompleted, types.ReviewRunning, types.ReviewBlocked}
	for i, status := range statuses {
		db.SaveReview(ctx, &types.Review{
			ID: string(rune('a' + i)), PRID: "pr", Status: status, Stage: types.StagePerFileAnalysis,
			CreatedAt: base.Add(time.Duration(i) * time.Hour), UpdatedAt: base,
		})
	}

	n, err := db.MarkInterrupted(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("MarkInterrupted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 interrupted reviews, got %d", n)
	}

	reviews, err := db.ListReviews(ctx, 2)
	if err != nil {
		t.Fatalf("ListReviews() error = %v", err)
	}
	if len(reviews) != 2 || reviews[0].ID != "c" || reviews[1].ID != "b" {
		t.Fatalf("unexpected list: %+v", reviews)
	}
	for _, r := range reviews {
		if r.Status != types.ReviewFailed {
			t.Errorf("review %s status = %s, want failed", r.ID, r.Status)
		}
	}
}
