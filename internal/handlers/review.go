package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/metrics"
	"github.com/PRSENTINEL/internal/types"
	"github.com/gorilla/mux"
)

// ReviewEngine is the orchestrator surface the review endpoints drive
type ReviewEngine interface {
	Start(ctx context.Context, req types.ReviewRequest) (*types.Review, error)
	Get(ctx context.Context, prID string) (*types.Review, error)
	Cancel(ctx context.Context, prID string) (*types.Review, error)
	Replay(ctx context.Context, prID, mode string) (*types.Review, error)
	ResolveConflict(ctx context.Context, prID, conflictID string, res types.ConflictResolution) (*types.Review, error)
}

// ReviewLister lists stored reviews, newest first
type ReviewLister interface {
	ListReviews(ctx context.Context, limit int) ([]*types.Review, error)
}

// StatsSource reports aggregate review statistics
type StatsSource interface {
	Stats() metrics.Stats
}

// PRFetcher looks up the title, description and changed files of a pull request
type PRFetcher interface {
	FetchPR(ctx context.Context, prID string) (types.ReviewRequest, error)
}

// ReviewHandler handles review endpoints
type ReviewHandler struct {
	engine ReviewEngine
	lister ReviewLister
	stats  StatsSource
	prs    PRFetcher
	log    *logger.Logger
}

// NewReviewHandler creates a new review handler. lister and stats may be nil.
func NewReviewHandler(engine ReviewEngine, lister ReviewLister, stats StatsSource, log *logger.Logger) *ReviewHandler {
	return &ReviewHandler{
		engine: engine,
		lister: lister,
		stats:  stats,
		log:    logger.OrNop(log).With("component", "review-api"),
	}
}

// WithPRFetcher fills in the files of start requests that arrive without any
func (h *ReviewHandler) WithPRFetcher(prs PRFetcher) *ReviewHandler {
	h.prs = prs
	return h
}

// RegisterRoutes registers review API routes
func (h *ReviewHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/reviews", h.handleList).Methods("GET")
	r.HandleFunc("/reviews/stats", h.handleStats).Methods("GET")
	r.HandleFunc("/review/{prId}", h.handleStart).Methods("POST")
	r.HandleFunc("/review/{prId}", h.handleGet).Methods("GET")
	r.HandleFunc("/review/{prId}/trace", h.handleTrace).Methods("GET")
	r.HandleFunc("/review/{prId}/conflicts", h.handleConflicts).Methods("GET")
	r.HandleFunc("/review/{prId}/policy-violations", h.handleViolations).Methods("GET")
	r.HandleFunc("/review/{prId}/resolve-conflict", h.handleResolve).Methods("POST")
	r.HandleFunc("/review/{prId}/cancel", h.handleCancel).Methods("POST")
	r.HandleFunc("/review/{prId}/replay", h.handleReplay).Methods("POST")
}

// reviewView is the response body of GET review/{prId}
type reviewView struct {
	ReviewID          string                     `json:"review_id"`
	PRID              string                     `json:"pr_id"`
	Status            types.ReviewStatus         `json:"status"`
	Stage             types.Stage                `json:"stage"`
	Result            *types.ReviewResult        `json:"result,omitempty"`
	Trace             []types.ChainOfThoughtStep `json:"trace,omitempty"`
	Warnings          []types.ReviewWarning      `json:"warnings"`
	BlockingConflicts []types.KnowledgeConflict  `json:"blocking_conflicts,omitempty"`
	Error             string                     `json:"error,omitempty"`
	Code              string                     `json:"code,omitempty"`
}

func (h *ReviewHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	prID := mux.Vars(r)["prId"]

	var req types.ReviewRequest
	if h.prs == nil || r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.PRID != "" && req.PRID != prID {
		respondError(w, http.StatusBadRequest, "pr_id in body does not match path")
		return
	}
	req.PRID = prID

	if len(req.Files) == 0 && h.prs != nil {
		pr, err := h.prs.FetchPR(r.Context(), prID)
		if err != nil {
			respondErr(w, err)
			return
		}
		req.Files = pr.Files
		if req.Title == "" {
			req.Title = pr.Title
		}
		if req.Description == "" {
			req.Description = pr.Description
		}
	}

	// the run outlives the request
	review, err := h.engine.Start(context.WithoutCancel(r.Context()), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.log.Info("review started", "pr_id", prID, "review_id", review.ID)
	respondStatus(w, http.StatusAccepted, review)
}

func (h *ReviewHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	review, err := h.engine.Get(r.Context(), mux.Vars(r)["prId"])
	if err != nil {
		respondErr(w, err)
		return
	}

	view := reviewView{
		ReviewID: review.ID,
		PRID:     review.PRID,
		Status:   review.Status,
		Stage:    review.Stage,
		Warnings: review.Warnings,
	}
	if view.Warnings == nil {
		view.Warnings = []types.ReviewWarning{}
	}

	switch review.Status {
	case types.ReviewBlocked:
		view.BlockingConflicts = review.BlockingConflicts()
		view.Error = "review is blocked pending human review"
		view.Code = "conflict_unresolved"
		respondStatus(w, http.StatusConflict, view)
	case types.ReviewCompleted:
		view.Result = review.Result
		view.Trace = review.Trace
		respondJSON(w, view)
	case types.ReviewPending, types.ReviewRunning:
		respondStatus(w, http.StatusAccepted, view)
	default:
		view.Trace = review.Trace
		respondJSON(w, view)
	}
}

func (h *ReviewHandler) handleTrace(w http.ResponseWriter, r *http.Request) {
	review, err := h.engine.Get(r.Context(), mux.Vars(r)["prId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	trace := review.Trace
	if trace == nil {
		trace = []types.ChainOfThoughtStep{}
	}
	respondJSON(w, trace)
}

func (h *ReviewHandler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	review, err := h.engine.Get(r.Context(), mux.Vars(r)["prId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	conflicts := review.Conflicts
	if conflicts == nil {
		conflicts = []types.KnowledgeConflict{}
	}
	respondJSON(w, conflicts)
}

func (h *ReviewHandler) handleViolations(w http.ResponseWriter, r *http.Request) {
	review, err := h.engine.Get(r.Context(), mux.Vars(r)["prId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	violations := review.Violations
	if violations == nil {
		violations = []types.PolicyViolation{}
	}
	respondJSON(w, violations)
}

// resolveRequest is the body of POST review/{prId}/resolve-conflict
type resolveRequest struct {
	ConflictID     string               `json:"conflictId"`
	Resolution     types.ResolutionKind `json:"resolution"`
	Reasoning      string               `json:"reasoning"`
	CustomGuidance string               `json:"customGuidance,omitempty"`
	ResolvedBy     string               `json:"resolvedBy,omitempty"`
}

func (h *ReviewHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	prID := mux.Vars(r)["prId"]

	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConflictID == "" {
		respondError(w, http.StatusBadRequest, "conflictId is required")
		return
	}
	switch req.Resolution {
	case types.ResolveSourceA, types.ResolveSourceB, types.ResolveCustom, types.ResolveEscalate:
	default:
		respondError(w, http.StatusBadRequest, "resolution must be one of source_a, source_b, custom, escalate")
		return
	}

	review, err := h.engine.ResolveConflict(r.Context(), prID, req.ConflictID, types.ConflictResolution{
		ConflictID:     req.ConflictID,
		Resolution:     req.Resolution,
		Reasoning:      req.Reasoning,
		CustomGuidance: req.CustomGuidance,
		ResolvedBy:     req.ResolvedBy,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	h.log.Info("conflict resolved", "pr_id", prID, "conflict_id", req.ConflictID, "resolution", req.Resolution)
	respondJSON(w, review)
}

func (h *ReviewHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	review, err := h.engine.Cancel(r.Context(), mux.Vars(r)["prId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, review)
}

func (h *ReviewHandler) handleReplay(w http.ResponseWriter, r *http.Request) {
	prID := mux.Vars(r)["prId"]
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		var body struct {
			Mode string `json:"mode"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &body) {
			return
		}
		mode = body.Mode
	}

	review, err := h.engine.Replay(context.WithoutCancel(r.Context()), prID, mode)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondStatus(w, http.StatusAccepted, review)
}

func (h *ReviewHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		respondError(w, http.StatusServiceUnavailable, "Review history not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	reviews, err := h.lister.ListReviews(r.Context(), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if reviews == nil {
		reviews = []*types.Review{}
	}
	respondJSON(w, map[string]interface{}{
		"reviews": reviews,
		"total":   len(reviews),
	})
}

func (h *ReviewHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, http.StatusServiceUnavailable, "Metrics not available")
		return
	}
	respondJSON(w, h.stats.Stats())
}
