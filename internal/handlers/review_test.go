package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/knowledge"
	"github.com/PRSENTINEL/internal/metrics"
	"github.com/PRSENTINEL/internal/persistence"
	"github.com/PRSENTINEL/internal/policy"
	"github.com/PRSENTINEL/internal/retrieval"
	"github.com/PRSENTINEL/internal/review"
	"github.com/PRSENTINEL/internal/types"
	"github.com/gorilla/mux"
)

type reviewFixture struct {
	router    *mux.Router
	handler   *ReviewHandler
	store     *knowledge.Store
	bus       *events.Bus
	collector *metrics.MetricsCollector
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &reviewFixture{
		store:     knowledge.NewStore(db, nil),
		bus:       events.NewBus(nil, nil),
		collector: metrics.NewCollector(),
	}
	o := review.New(review.Deps{
		Retriever: retrieval.New(f.store, retrieval.Options{}, nil),
		Detector:  conflict.NewDetector(f.store, conflict.Options{}, nil),
		Evaluator: policy.NewEvaluator(nil),
		Recorder:  db,
		Events:    f.bus,
		Observer:  f.collector,
	}, review.Options{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})

	f.router = mux.NewRouter()
	api := f.router.PathPrefix("/api").Subrouter()
	f.handler = NewReviewHandler(o, db, f.collector, nil)
	f.handler.RegisterRoutes(api)
	return f
}

func (f *reviewFixture) seedPooling(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, src := range []types.KnowledgeSource{
		{ID: "security_guidelines", Name: "Security Guidelines", Type: types.ProviderPDF, Confidence: 0.95, Priority: types.TierHigh, Scope: types.ScopeOrganization},
		{ID: "team_patterns", Name: "Team Patterns", Type: types.ProviderNotion, Confidence: 0.82, Priority: types.TierMedium, Scope: types.ScopeTeam},
	} {
		if err := f.store.Register(ctx, src); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	for _, item := range []types.KnowledgeItem{
		{ID: "policy_pooling", SourceID: "security_guidelines", Title: "Connection Pooling",
			Content: "All database connections MUST use connection pooling for security and performance.",
			Type:    types.ItemPolicy, Tags: []string{"database", "pooling"}, Confidence: 0.95},
		{ID: "guideline_pooling", SourceID: "team_patterns", Title: "Pooling for small services",
			Content: "Connection pooling is recommended but not required for services with < 100 concurrent users.",
			Type:    types.ItemGuideline, Tags: []string{"database", "pooling"}, Confidence: 0.82},
	} {
		if _, err := f.store.UpsertItem(ctx, item); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
}

func (f *reviewFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *reviewFixture) waitStatus(t *testing.T, ch <-chan events.Event, want types.ReviewStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Payload["status"] == string(want) {
				return
			}
		case <-deadline:
			t.Fatalf("review never reached %s", want)
		}
	}
}

var redisRequest = types.ReviewRequest{
	Title: "Add redis cache",
	Files: []types.ChangedFile{{
		Path: "src/cache/redis.ts",
		Hunks: []types.Hunk{{
			StartLine: 15,
			Snippet:   "const client = new Redis({ host: 'cache' }) // connection pooling disabled",
		}},
	}},
}

type snapshotFetcher struct {
	prs   map[string]types.ReviewRequest
	calls int
}

func (s *snapshotFetcher) FetchPR(ctx context.Context, prID string) (types.ReviewRequest, error) {
	s.calls++
	pr, ok := s.prs[prID]
	if !ok {
		return types.ReviewRequest{}, apierr.NotFound("pull request %s", prID)
	}
	return pr, nil
}

func TestReviewAPI_StartLoadsFilesFromFetcher(t *testing.T) {
	f := newReviewFixture(t)
	f.seedPooling(t)
	fetcher := &snapshotFetcher{prs: map[string]types.ReviewRequest{"pr-7": redisRequest}}
	f.handler.WithPRFetcher(fetcher)

	ch := f.bus.Subscribe("pr-7", []events.EventType{events.EventReviewStatus})
	defer f.bus.Unsubscribe("pr-7", ch)

	rr := f.do(t, "POST", "/api/review/pr-7", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var started types.Review
	json.Unmarshal(rr.Body.Bytes(), &started)
	if started.Request.Title != redisRequest.Title || len(started.Request.Files) != 1 {
		t.Errorf("request not filled from snapshot: %+v", started.Request)
	}
	// the snapshot's redis file hits the pooling conflict
	f.waitStatus(t, ch, types.ReviewBlocked)

	rr = f.do(t, "POST", "/api/review/pr-404", map[string]string{"mode": "security"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown pull request: expected 404, got %d", rr.Code)
	}

	calls := fetcher.calls
	rr = f.do(t, "POST", "/api/review/pr-8", redisRequest)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start with files: %d %s", rr.Code, rr.Body.String())
	}
	if fetcher.calls != calls {
		t.Error("fetcher consulted although the request listed files")
	}
}

func TestReviewAPI_BlockedReviewFlow(t *testing.T) {
	f := newReviewFixture(t)
	f.seedPooling(t)

	ch := f.bus.Subscribe("pr-7", []events.EventType{events.EventReviewStatus})
	defer f.bus.Unsubscribe("pr-7", ch)

	rr := f.do(t, "POST", "/api/review/pr-7", redisRequest)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	f.waitStatus(t, ch, types.ReviewBlocked)

	rr = f.do(t, "GET", "/api/review/pr-7", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while blocked, got %d", rr.Code)
	}
	var view reviewView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.BlockingConflicts) != 1 || view.Result != nil || view.Code != "conflict_unresolved" {
		t.Fatalf("unexpected blocked view: %+v", view)
	}
	conflictID := view.BlockingConflicts[0].ID

	rr = f.do(t, "GET", "/api/review/pr-7/conflicts", nil)
	var conflicts []types.KnowledgeConflict
	json.Unmarshal(rr.Body.Bytes(), &conflicts)
	if rr.Code != http.StatusOK || len(conflicts) != 1 {
		t.Fatalf("conflicts: %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, "POST", "/api/review/pr-7/resolve-conflict", map[string]string{
		"conflictId": "missing", "resolution": "source_a",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown conflict: expected 404, got %d", rr.Code)
	}
	rr = f.do(t, "POST", "/api/review/pr-7/resolve-conflict", map[string]string{
		"conflictId": conflictID, "resolution": "maybe",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad resolution kind: expected 400, got %d", rr.Code)
	}

	rr = f.do(t, "POST", "/api/review/pr-7/resolve-conflict", map[string]string{
		"conflictId": conflictID, "resolution": "source_a", "reasoning": "organization policy wins",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	f.waitStatus(t, ch, types.ReviewCompleted)

	rr = f.do(t, "POST", "/api/review/pr-7/resolve-conflict", map[string]string{
		"conflictId": conflictID, "resolution": "source_a",
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", rr.Code)
	}

	rr = f.do(t, "GET", "/api/review/pr-7", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("completed review: expected 200, got %d", rr.Code)
	}
	view = reviewView{}
	json.Unmarshal(rr.Body.Bytes(), &view)
	if view.Status != types.ReviewCompleted || view.Result == nil || len(view.Trace) == 0 {
		t.Errorf("completed view missing result or trace: %+v", view)
	}

	rr = f.do(t, "GET", "/api/review/pr-7/trace", nil)
	var trace []types.ChainOfThoughtStep
	json.Unmarshal(rr.Body.Bytes(), &trace)
	if len(trace) != len(view.Trace) {
		t.Errorf("trace endpoint returned %d steps, want %d", len(trace), len(view.Trace))
	}

	rr = f.do(t, "GET", "/api/reviews/stats", nil)
	var stats metrics.Stats
	json.Unmarshal(rr.Body.Bytes(), &stats)
	if stats.Completed != 1 || stats.TimesBlocked != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rr = f.do(t, "GET", "/api/reviews?limit=5", nil)
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if rr.Code != http.StatusOK || list.Total != 1 {
		t.Errorf("list: %d total=%d", rr.Code, list.Total)
	}
}

func TestReviewAPI_EmptyCollectionsAreArrays(t *testing.T) {
	f := newReviewFixture(t)
	ch := f.bus.Subscribe("pr-clean", []events.EventType{events.EventReviewStatus})
	defer f.bus.Unsubscribe("pr-clean", ch)

	rr := f.do(t, "POST", "/api/review/pr-clean", types.ReviewRequest{
		Files: []types.ChangedFile{{Path: "main.go", Hunks: []types.Hunk{{StartLine: 1, Snippet: "package main"}}}},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start: %d %s", rr.Code, rr.Body.String())
	}
	f.waitStatus(t, ch, types.ReviewCompleted)

	for _, path := range []string{"/api/review/pr-clean/conflicts", "/api/review/pr-clean/policy-violations"} {
		rr = f.do(t, "GET", path, nil)
		if got := bytes.TrimSpace(rr.Body.Bytes()); string(got) != "[]" {
			t.Errorf("%s = %s, want []", path, got)
		}
	}
}

func TestReviewAPI_Errors(t *testing.T) {
	f := newReviewFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown review", "GET", "/api/review/nope", nil, http.StatusNotFound},
		{"unknown conflicts", "GET", "/api/review/nope/conflicts", nil, http.StatusNotFound},
		{"cancel unknown", "POST", "/api/review/nope/cancel", nil, http.StatusNotFound},
		{"mismatched pr id", "POST", "/api/review/pr-1", map[string]string{"pr_id": "pr-2"}, http.StatusBadRequest},
		{"file without path", "POST", "/api/review/pr-1", map[string]interface{}{
			"files": []map[string]string{{"path": " "}},
		}, http.StatusBadRequest},
		{"unknown mode", "POST", "/api/review/pr-1", map[string]interface{}{
			"mode": "vibes", "files": []map[string]string{{"path": "a.go"}},
		}, http.StatusBadRequest},
		{"missing conflict id", "POST", "/api/review/pr-1/resolve-conflict", map[string]string{"resolution": "source_a"}, http.StatusBadRequest},
		{"bad limit", "GET", "/api/reviews?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestReviewAPI_CancelBlockedReview(t *testing.T) {
	f := newReviewFixture(t)
	f.seedPooling(t)
	ch := f.bus.Subscribe("pr-9", []events.EventType{events.EventReviewStatus})
	defer f.bus.Unsubscribe("pr-9", ch)

	if rr := f.do(t, "POST", "/api/review/pr-9", redisRequest); rr.Code != http.StatusAccepted {
		t.Fatalf("start: %d", rr.Code)
	}
	f.waitStatus(t, ch, types.ReviewBlocked)

	rr := f.do(t, "POST", "/api/review/pr-9/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}
	var r types.Review
	json.Unmarshal(rr.Body.Bytes(), &r)
	if r.Status != types.ReviewCancelled || r.Result != nil {
		t.Errorf("cancelled review = %s, result %v", r.Status, r.Result)
	}

	rr = f.do(t, "POST", "/api/review/pr-9/replay?mode=security", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("replay: %d %s", rr.Code, rr.Body.String())
	}
}
