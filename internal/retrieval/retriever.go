// Package retrieval ranks knowledge items against a query. Each candidate source is
// read concurrently under its own timeout; a source that fails contributes nothing.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/knowledge"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/types"
)

var tracer = otel.Tracer("github.com/PRSENTINEL/internal/retrieval")

// Defaults applied when Options leaves a field zero
const (
	DefaultMaxResults    = 10
	DefaultSourceTimeout = 2 * time.Second
	DefaultSemanticDims  = 256
)

// Store is the part of the knowledge store the retriever needs
type Store interface {
	Source(id string) (types.KnowledgeSource, error)
	Sources() []types.KnowledgeSource
	ItemsByFilter(f knowledge.Filter) ([]types.KnowledgeItem, error)
	SetSyncStatus(ctx context.Context, id string, status types.SyncStatus, errMsg string) error
}

// Fetcher reads one source's candidate items. It must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, src types.KnowledgeSource, f knowledge.Filter) ([]types.KnowledgeItem, error)
}

// StoreFetcher reads candidates from the local index
type StoreFetcher struct {
	Store Store
}

// Fetch implements Fetcher
func (s StoreFetcher) Fetch(ctx context.Context, src types.KnowledgeSource, f knowledge.Filter) ([]types.KnowledgeItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.Sources = []string{src.ID}
	return s.Store.ItemsByFilter(f)
}

// Options tunes a Retriever
type Options struct {
	MaxResults    int
	SourceTimeout time.Duration
	SemanticDims  int
	Fetcher       Fetcher
}

// SkippedSource names a source that contributed nothing and why
type SkippedSource struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// Result is the ranked outcome of one query
type Result struct {
	Query   types.KnowledgeQuery       `json:"query"`
	Items   []types.RetrievedKnowledge `json:"items"`
	Skipped []SkippedSource            `json:"skipped,omitempty"`
}

// Retriever is the retrieval engine
type Retriever struct {
	store  Store
	fetch  Fetcher
	opts   Options
	scorer *scorer
	log    *logger.Logger
	now    func() time.Time
}

// New creates a retriever over store
func New(store Store, opts Options, log *logger.Logger) *Retriever {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.SemanticDims <= 0 {
		opts.SemanticDims = DefaultSemanticDims
	}
	fetch := opts.Fetcher
	if fetch == nil {
		fetch = StoreFetcher{Store: store}
	}
	return &Retriever{
		store:  store,
		fetch:  fetch,
		opts:   opts,
		scorer: newScorer(opts.SemanticDims),
		log:    logger.OrNop(log),
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests)
func (r *Retriever) SetClock(now func() time.Time) {
	r.now = now
}

// Retrieve validates q, fans out to the candidate sources and returns ranked results.
// Malformed queries fail with ErrInvalidQuery before any source is read.
func (r *Retriever) Retrieve(ctx context.Context, q types.KnowledgeQuery) (Result, error) {
	if q.RetrievalType == "" {
		q.RetrievalType = types.RetrievalKeyword
	}
	sources, err := r.validate(q)
	if err != nil {
		return Result{}, err
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = r.now()
	}

	ctx, span := tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.query_id", q.ID),
		attribute.String("retrieval.type", string(q.RetrievalType)),
		attribute.Int("retrieval.sources", len(sources)),
	)

	result := Result{Query: q, Items: make([]types.RetrievedKnowledge, 0)}
	itemTypes, ok := effectiveTypes(q.RetrievalType, q.Filters.Types)
	if !ok {
		// the method's item types and the filter are disjoint
		return result, nil
	}

	perSource, skipped := r.fanOut(ctx, q, sources, itemTypes)
	result.Skipped = skipped

	terms := queryTerms(q)
	for _, items := range perSource {
		for _, item := range items {
			score, reason := r.scorer.score(q, terms, item)
			if score <= 0 {
				continue
			}
			result.Items = append(result.Items, types.RetrievedKnowledge{
				QueryID:         q.ID,
				Item:            item,
				RelevanceScore:  score,
				RetrievalReason: reason,
			})
		}
	}

	priority := make(map[string]int, len(sources))
	for _, src := range sources {
		priority[src.ID] = types.TierRank(src.Priority)
	}
	sortResults(result.Items, priority)
	if len(result.Items) > r.opts.MaxResults {
		result.Items = result.Items[:r.opts.MaxResults]
	}
	for i := range result.Items {
		result.Items[i].ID = fmt.Sprintf("%s:%s", q.ID, result.Items[i].Item.ID)
	}

	span.SetAttributes(
		attribute.Int("retrieval.results", len(result.Items)),
		attribute.Int("retrieval.skipped", len(result.Skipped)),
	)
	if len(result.Skipped) > 0 {
		span.SetStatus(codes.Error, "sources skipped")
	}
	return result, nil
}

// validate rejects malformed queries and resolves the candidate sources
func (r *Retriever) validate(q types.KnowledgeQuery) ([]types.KnowledgeSource, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, apierr.InvalidQuery("query text is required")
	}
	switch q.RetrievalType {
	case types.RetrievalKeyword, types.RetrievalSemantic, types.RetrievalPattern,
		types.RetrievalPolicy, types.RetrievalExample:
	default:
		return nil, apierr.InvalidQuery("unknown retrieval type %q", q.RetrievalType)
	}
	f := q.Filters
	if f.MinConfidence < 0 {
		return nil, apierr.InvalidQuery("min_confidence %.2f is negative", f.MinConfidence)
	}
	if f.MaxAgeDays < 0 {
		return nil, apierr.InvalidQuery("max_age_days %d is negative", f.MaxAgeDays)
	}
	for _, t := range f.Types {
		if !types.ValidItemType(t) {
			return nil, apierr.InvalidQuery("unknown item type %q", t)
		}
	}

	if len(f.Sources) == 0 {
		var active []types.KnowledgeSource
		for _, src := range r.store.Sources() {
			if src.Active {
				active = append(active, src)
			}
		}
		return active, nil
	}
	out := make([]types.KnowledgeSource, 0, len(f.Sources))
	seen := make(map[string]struct{}, len(f.Sources))
	for _, id := range f.Sources {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		src, err := r.store.Source(id)
		if err != nil {
			return nil, apierr.InvalidQuery("unknown source %q", id)
		}
		if src.Active {
			out = append(out, src)
		}
	}
	return out, nil
}

// fanOut reads each source concurrently. Results are indexed like sources so
// the merge order does not depend on goroutine scheduling.
func (r *Retriever) fanOut(ctx context.Context, q types.KnowledgeQuery, sources []types.KnowledgeSource, itemTypes []types.ItemType) ([][]types.KnowledgeItem, []SkippedSource) {
	perSource := make([][]types.KnowledgeItem, len(sources))
	failures := make([]string, len(sources))

	var mu sync.Mutex
	eg, egctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		eg.Go(func() error {
			sctx, cancel := context.WithTimeout(egctx, r.opts.SourceTimeout)
			defer cancel()
			filter := knowledge.Filter{
				Types:         itemTypes,
				MinConfidence: q.Filters.MinConfidence,
				MaxAgeDays:    q.Filters.MaxAgeDays,
			}
			items, err := r.fetch.Fetch(sctx, src, filter)
			if err == nil {
				err = sctx.Err()
			}
			if err != nil {
				mu.Lock()
				failures[i] = err.Error()
				mu.Unlock()
				return nil
			}
			perSource[i] = items
			return nil
		})
	}
	_ = eg.Wait()

	var skipped []SkippedSource
	for i, reason := range failures {
		if reason == "" {
			continue
		}
		src := sources[i]
		r.log.Warn("knowledge source unavailable, continuing without it",
			"source_id", src.ID, "query_id", q.ID, "error", reason)
		if ctx.Err() == nil {
			if err := r.store.SetSyncStatus(ctx, src.ID, types.SyncError, reason); err != nil {
				r.log.Warn("failed to mark source as errored", "source_id", src.ID, "error", err)
			}
		}
		skipped = append(skipped, SkippedSource{SourceID: src.ID, Reason: reason})
	}
	return perSource, skipped
}

// effectiveTypes intersects the method's item types with the filter's.
// ok is false when the intersection is empty.
func effectiveTypes(method types.RetrievalType, filter []types.ItemType) ([]types.ItemType, bool) {
	var methodTypes []types.ItemType
	switch method {
	case types.RetrievalPolicy:
		methodTypes = []types.ItemType{types.ItemPolicy, types.ItemRequirement}
	case types.RetrievalExample:
		methodTypes = []types.ItemType{types.ItemExample, types.ItemPattern}
	}
	if len(methodTypes) == 0 {
		return filter, true
	}
	if len(filter) == 0 {
		return methodTypes, true
	}
	var out []types.ItemType
	for _, t := range filter {
		for _, m := range methodTypes {
			if t == m {
				out = append(out, t)
			}
		}
	}
	return out, len(out) > 0
}

// sortResults orders by relevance, then item confidence, then source priority,
// then item id, giving a total order.
func sortResults(items []types.RetrievedKnowledge, priority map[string]int) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.Item.Confidence != b.Item.Confidence {
			return a.Item.Confidence > b.Item.Confidence
		}
		pa, pb := priority[a.Item.SourceID], priority[b.Item.SourceID]
		if pa != pb {
			return pa > pb
		}
		return a.Item.ID < b.Item.ID
	})
}
