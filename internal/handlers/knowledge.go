package handlers

import (
	"context"
	"net/http"

	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/knowledge"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/retrieval"
	"github.com/PRSENTINEL/internal/types"
	"github.com/gorilla/mux"
)

// KnowledgeStore is the knowledge index surface the endpoints use
type KnowledgeStore interface {
	Sources() []types.KnowledgeSource
	Source(sourceID string) (types.KnowledgeSource, error)
	Register(ctx context.Context, src types.KnowledgeSource) error
	Deactivate(ctx context.Context, sourceID string) error
	ItemsBySource(sourceID string) ([]types.KnowledgeItem, error)
	UpsertItem(ctx context.Context, item types.KnowledgeItem) (knowledge.UpsertOutcome, error)
}

// SourceSyncer triggers asynchronous source re-ingestion
type SourceSyncer interface {
	Sync(ctx context.Context, sourceID string) (types.KnowledgeSource, error)
}

// Retriever runs knowledge queries
type Retriever interface {
	Retrieve(ctx context.Context, q types.KnowledgeQuery) (retrieval.Result, error)
}

// ConflictDetector flags contradictory query results
type ConflictDetector interface {
	Detect(candidates []types.RetrievedKnowledge, at conflict.Context) ([]types.KnowledgeConflict, []types.RetrievedKnowledge)
}

// KnowledgeHandler handles knowledge source and query endpoints
type KnowledgeHandler struct {
	store     KnowledgeStore
	syncer    SourceSyncer
	retriever Retriever
	detector  ConflictDetector
	log       *logger.Logger
}

// NewKnowledgeHandler creates a new knowledge handler. retriever and detector may be nil.
func NewKnowledgeHandler(store KnowledgeStore, syncer SourceSyncer, retriever Retriever, detector ConflictDetector, log *logger.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{
		store:     store,
		syncer:    syncer,
		retriever: retriever,
		detector:  detector,
		log:       logger.OrNop(log).With("component", "knowledge-api"),
	}
}

// RegisterRoutes registers knowledge API routes
func (h *KnowledgeHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/knowledge-sources", h.handleList).Methods("GET")
	r.HandleFunc("/knowledge-sources", h.handleRegister).Methods("POST")
	r.HandleFunc("/knowledge-sources/{id}", h.handleGet).Methods("GET")
	r.HandleFunc("/knowledge-sources/{id}", h.handleDeactivate).Methods("DELETE")
	r.HandleFunc("/knowledge-sources/{id}/sync", h.handleSync).Methods("POST")
	r.HandleFunc("/knowledge-sources/{id}/items", h.handleItems).Methods("GET")
	r.HandleFunc("/knowledge-sources/{id}/items", h.handleUpsertItem).Methods("POST")
	r.HandleFunc("/knowledge/query", h.handleQuery).Methods("POST")
}

func (h *KnowledgeHandler) handleList(w http.ResponseWriter, r *http.Request) {
	sources := h.store.Sources()
	if sources == nil {
		sources = []types.KnowledgeSource{}
	}
	respondJSON(w, sources)
}

func (h *KnowledgeHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var src types.KnowledgeSource
	if !decodeBody(w, r, &src) {
		return
	}
	if err := h.store.Register(r.Context(), src); err != nil {
		respondErr(w, err)
		return
	}
	stored, err := h.store.Source(src.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.log.Info("source registered", "source_id", src.ID)
	respondStatus(w, http.StatusCreated, stored)
}

func (h *KnowledgeHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	src, err := h.store.Source(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, src)
}

func (h *KnowledgeHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Deactivate(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	src, err := h.store.Source(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, src)
}

func (h *KnowledgeHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		respondError(w, http.StatusServiceUnavailable, "Sync not available")
		return
	}
	src, err := h.syncer.Sync(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondStatus(w, http.StatusAccepted, src)
}

func (h *KnowledgeHandler) handleItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ItemsBySource(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

func (h *KnowledgeHandler) handleUpsertItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var item types.KnowledgeItem
	if !decodeBody(w, r, &item) {
		return
	}
	if item.SourceID == "" {
		item.SourceID = id
	}
	if item.SourceID != id {
		respondError(w, http.StatusBadRequest, "source_id in body does not match path")
		return
	}
	outcome, err := h.store.UpsertItem(r.Context(), item)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	respondStatus(w, status, map[string]interface{}{
		"item_id": item.ID,
		"created": outcome.Created,
		"clamped": outcome.Clamped,
	})
}

// queryResponse is the body of POST /knowledge/query
type queryResponse struct {
	retrieval.Result
	Conflicts []types.KnowledgeConflict `json:"conflicts"`
}

func (h *KnowledgeHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		respondError(w, http.StatusServiceUnavailable, "Retrieval not available")
		return
	}
	var q types.KnowledgeQuery
	if !decodeBody(w, r, &q) {
		return
	}
	result, err := h.retriever.Retrieve(r.Context(), q)
	if err != nil {
		respondErr(w, err)
		return
	}

	resp := queryResponse{Result: result, Conflicts: []types.KnowledgeConflict{}}
	if h.detector != nil {
		conflicts, marked := h.detector.Detect(result.Items, conflict.Context{ReviewStep: "query", CodeSnippet: q.Context})
		resp.Items = conflict.Select(marked, conflicts)
		if conflicts != nil {
			resp.Conflicts = conflicts
		}
	}
	respondJSON(w, resp)
}
