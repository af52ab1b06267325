package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/knowledge"
	"github.com/PRSENTINEL/internal/types"
)

func seedStore(t *testing.T) *knowledge.Store {
	t.Helper()
	ctx := context.Background()
	store := knowledge.NewStore(nil, nil)
	sources := []types.KnowledgeSource{
		{ID: "security_guidelines", Name: "Security Guidelines", Type: types.ProviderPDF, Confidence: 0.95, Priority: types.TierHigh, Scope: types.ScopeOrganization},
		{ID: "team_patterns", Name: "Team Best Practices", Type: types.ProviderNotion, Confidence: 0.82, Priority: types.TierMedium, Scope: types.ScopeTeam},
	}
	for _, src := range sources {
		if err := store.Register(ctx, src); err != nil {
			t.Fatal(err)
		}
	}
	items := []types.KnowledgeItem{
		{
			ID: "policy_sql_injection", SourceID: "security_guidelines", Title: "SQL Injection Prevention",
			Content: "All database queries MUST use parameterized statements or prepared queries.",
			Type:    types.ItemPolicy, Tags: []string{"security", "sql"}, Confidence: 0.95,
		},
		{
			ID: "guideline_db_best_practices", SourceID: "team_patterns", Title: "Database Best Practices",
			Content: "Prefer connection pooling and keep transactions short.",
			Type:    types.ItemGuideline, Tags: []string{"database", "pooling"}, Confidence: 0.82,
		},
		{
			ID: "example_retry", SourceID: "team_patterns", Title: "Retry example",
			Content: "Wrap flaky network calls in exponential backoff.",
			Type:    types.ItemExample, Tags: []string{"network"}, Confidence: 0.7,
		},
	}
	for _, item := range items {
		if _, err := store.UpsertItem(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestRetrieve_SQLInjectionPolicy(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{
		Query:   "SQL injection prevention",
		Filters: types.QueryFilters{Types: []types.ItemType{types.ItemPolicy}},
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(res.Items) == 0 {
		t.Fatal("expected at least one result")
	}
	top := res.Items[0]
	if top.Item.ID != "policy_sql_injection" {
		t.Errorf("top result = %s, want policy_sql_injection", top.Item.ID)
	}
	if !strings.Contains(top.RetrievalReason, "keyword match") || !strings.Contains(top.RetrievalReason, "sql") {
		t.Errorf("unexpected justification %q", top.RetrievalReason)
	}
	if top.RelevanceScore <= 0 || top.RelevanceScore > 1 {
		t.Errorf("relevance %v outside (0,1]", top.RelevanceScore)
	}
	if top.QueryID != res.Query.ID || res.Query.ID == "" {
		t.Errorf("query id not propagated: %q vs %q", top.QueryID, res.Query.ID)
	}
	if len(top.ConflictsWith) != 0 {
		t.Errorf("expected no conflicts, got %v", top.ConflictsWith)
	}
	for _, item := range res.Items {
		if item.Item.Type != types.ItemPolicy {
			t.Errorf("type filter leaked %s", item.Item.ID)
		}
	}
}

func TestRetrieve_MinConfidenceAboveOneIsEmpty(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{
		Query:   "database",
		Filters: types.QueryFilters{MinConfidence: 1.5},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("expected empty result, got %d items", len(res.Items))
	}
}

func TestRetrieve_InvalidQueries(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)

	tests := []struct {
		name  string
		query types.KnowledgeQuery
	}{
		{"empty text", types.KnowledgeQuery{Query: "   "}},
		{"negative confidence", types.KnowledgeQuery{Query: "sql", Filters: types.QueryFilters{MinConfidence: -0.1}}},
		{"negative age", types.KnowledgeQuery{Query: "sql", Filters: types.QueryFilters{MaxAgeDays: -1}}},
		{"unknown type", types.KnowledgeQuery{Query: "sql", Filters: types.QueryFilters{Types: []types.ItemType{"memo"}}}},
		{"unknown method", types.KnowledgeQuery{Query: "sql", RetrievalType: "telepathy"}},
		{"unknown source", types.KnowledgeQuery{Query: "sql", Filters: types.QueryFilters{Sources: []string{"ghost"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.query)
			if !errors.Is(err, apierr.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)
	q := types.KnowledgeQuery{
		ID:            "q-1",
		Query:         "database queries security",
		Context:       "reviewing src/db/users.ts",
		Timestamp:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		RetrievalType: types.RetrievalSemantic,
	}

	first, err := r.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), q)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestRetrieve_TieBreakBySourcePriority(t *testing.T) {
	ctx := context.Background()
	store := knowledge.NewStore(nil, nil)
	store.Register(ctx, types.KnowledgeSource{ID: "low", Name: "Low", Type: types.ProviderWiki, Confidence: 0.8, Priority: types.TierLow, Scope: types.ScopeTeam})
	store.Register(ctx, types.KnowledgeSource{ID: "high", Name: "High", Type: types.ProviderWiki, Confidence: 0.8, Priority: types.TierHigh, Scope: types.ScopeTeam})
	store.UpsertItem(ctx, types.KnowledgeItem{ID: "a_low", SourceID: "low", Title: "Caching", Content: "cache results", Type: types.ItemGuideline, Confidence: 0.8})
	store.UpsertItem(ctx, types.KnowledgeItem{ID: "b_high", SourceID: "high", Title: "Caching", Content: "cache results", Type: types.ItemGuideline, Confidence: 0.8})

	res, err := New(store, Options{}, nil).Retrieve(ctx, types.KnowledgeQuery{Query: "caching"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 2 || res.Items[0].Item.ID != "b_high" {
		t.Fatalf("expected high priority source first, got %+v", res.Items)
	}
}

func TestRetrieve_MaxResults(t *testing.T) {
	r := New(seedStore(t), Options{MaxResults: 1}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{Query: "database queries network"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 {
		t.Errorf("expected 1 result, got %d", len(res.Items))
	}
}

func TestRetrieve_MethodTypesDisjointFromFilter(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{
		Query:         "database",
		RetrievalType: types.RetrievalPolicy,
		Filters:       types.QueryFilters{Types: []types.ItemType{types.ItemGuideline}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 0 {
		t.Errorf("expected no results, got %d", len(res.Items))
	}
}

func TestRetrieve_PatternMatchesTags(t *testing.T) {
	r := New(seedStore(t), Options{}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{
		Query:         "check sql usage",
		Context:       "security review",
		RetrievalType: types.RetrievalPattern,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0].Item.ID != "policy_sql_injection" {
		t.Fatalf("unexpected results: %+v", res.Items)
	}
	if res.Items[0].RelevanceScore != 1 {
		t.Errorf("expected both tags to match, score %v", res.Items[0].RelevanceScore)
	}
	if !strings.HasPrefix(res.Items[0].RetrievalReason, "pattern match: ") {
		t.Errorf("unexpected justification %q", res.Items[0].RetrievalReason)
	}
}

// stallingFetcher blocks on one source until the context expires
type stallingFetcher struct {
	inner StoreFetcher
	stall string
}

func (f stallingFetcher) Fetch(ctx context.Context, src types.KnowledgeSource, filter knowledge.Filter) ([]types.KnowledgeItem, error) {
	if src.ID == f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.inner.Fetch(ctx, src, filter)
}

func TestRetrieve_SlowSourceIsSkipped(t *testing.T) {
	store := seedStore(t)
	r := New(store, Options{
		SourceTimeout: 20 * time.Millisecond,
		Fetcher:       stallingFetcher{inner: StoreFetcher{Store: store}, stall: "team_patterns"},
	}, nil)

	res, err := r.Retrieve(context.Background(), types.KnowledgeQuery{Query: "database queries"})
	if err != nil {
		t.Fatalf("a slow source must not fail the query: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].SourceID != "team_patterns" {
		t.Fatalf("expected team_patterns skipped, got %+v", res.Skipped)
	}
	for _, item := range res.Items {
		if item.Item.SourceID == "team_patterns" {
			t.Errorf("skipped source contributed %s", item.Item.ID)
		}
	}
	if len(res.Items) == 0 {
		t.Error("expected results from the healthy source")
	}
	src, _ := store.Source("team_patterns")
	if src.Status != types.SyncError || src.LastError == "" {
		t.Errorf("expected source marked error, got status=%s err=%q", src.Status, src.LastError)
	}
}
