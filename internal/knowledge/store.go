// Package knowledge holds the in-memory knowledge index: registered sources and the
// items they own. Reads are concurrent; writes are serialized per source id.
package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/types"
)

// Persister makes store contents durable. The SQLite store implements it.
type Persister interface {
	SaveSource(ctx context.Context, src *types.KnowledgeSource) error
	SaveItem(ctx context.Context, item *types.KnowledgeItem) error
	DeleteItems(ctx context.Context, ids []string) error
	LoadSources(ctx context.Context) ([]*types.KnowledgeSource, error)
	LoadItems(ctx context.Context) ([]*types.KnowledgeItem, error)
}

// Filter narrows ItemsByFilter. Zero values disable a criterion.
type Filter struct {
	Sources       []string
	Types         []types.ItemType
	MinConfidence float64
	MaxAgeDays    int
}

// UpsertOutcome reports adjustments made while storing an item
type UpsertOutcome struct {
	Created bool
	Clamped bool
}

// Store is the knowledge index
type Store struct {
	mu          sync.RWMutex
	sources     map[string]*types.KnowledgeSource
	sourceOrder []string
	items       map[string]*types.KnowledgeItem
	itemOrder   []string

	writersMu sync.Mutex
	writers   map[string]*sync.Mutex

	persist Persister
	log     *logger.Logger
	now     func() time.Time
}

// NewStore creates an empty store. persist may be nil for a memory-only store.
func NewStore(persist Persister, log *logger.Logger) *Store {
	return &Store{
		sources: make(map[string]*types.KnowledgeSource),
		items:   make(map[string]*types.KnowledgeItem),
		writers: make(map[string]*sync.Mutex),
		persist: persist,
		log:     logger.OrNop(log),
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Load rebuilds the index from the persister
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	sources, err := s.persist.LoadSources(ctx)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	items, err := s.persist.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}

	// a source saved as syncing was cut off by the last shutdown
	interrupted := 0
	for _, src := range sources {
		if src.Status != types.SyncSyncing {
			continue
		}
		src.Status = types.SyncError
		src.LastError = "sync interrupted"
		if err := s.persist.SaveSource(ctx, src); err != nil {
			return fmt.Errorf("resetting interrupted sync of %s: %w", src.ID, err)
		}
		interrupted++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		if _, ok := s.sources[src.ID]; !ok {
			s.sourceOrder = append(s.sourceOrder, src.ID)
		}
		s.sources[src.ID] = src
	}
	for _, item := range items {
		if _, ok := s.items[item.ID]; !ok {
			s.itemOrder = append(s.itemOrder, item.ID)
		}
		s.items[item.ID] = item
	}
	s.log.Info("knowledge store loaded", "sources", len(sources), "items", len(items), "interrupted_syncs", interrupted)
	return nil
}

// writer returns the exclusive write lock for a source id
func (s *Store) writer(sourceID string) *sync.Mutex {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	w, ok := s.writers[sourceID]
	if !ok {
		w = &sync.Mutex{}
		s.writers[sourceID] = w
	}
	return w
}

// Register adds a source, or refreshes the registration fields of a known one.
func (s *Store) Register(ctx context.Context, src types.KnowledgeSource) error {
	if err := src.Validate(); err != nil {
		return apierr.New(http.StatusBadRequest, "invalid_source", err)
	}
	w := s.writer(src.ID)
	w.Lock()
	defer w.Unlock()

	s.mu.RLock()
	existing, known := s.sources[src.ID]
	s.mu.RUnlock()

	reg := src
	reg.Active = true
	if known {
		reg.Status = existing.Status
		reg.LastUpdated = existing.LastUpdated
		reg.LastError = existing.LastError
	}
	if reg.Status == "" {
		reg.Status = types.SyncActive
	}
	if reg.LastUpdated.IsZero() {
		reg.LastUpdated = s.now()
	}

	if s.persist != nil {
		if err := s.persist.SaveSource(ctx, &reg); err != nil {
			return fmt.Errorf("persisting source %s: %w", reg.ID, err)
		}
	}

	s.mu.Lock()
	if !known {
		s.sourceOrder = append(s.sourceOrder, reg.ID)
	}
	s.sources[reg.ID] = &reg
	s.mu.Unlock()
	return nil
}

// Deactivate hides a source and its items from retrieval. Sources are never deleted.
func (s *Store) Deactivate(ctx context.Context, sourceID string) error {
	return s.mutateSource(ctx, sourceID, func(src *types.KnowledgeSource) error {
		src.Active = false
		return nil
	})
}

// BeginSync moves a source to syncing. A source already syncing is rejected.
func (s *Store) BeginSync(ctx context.Context, sourceID string) (types.KnowledgeSource, error) {
	var out types.KnowledgeSource
	err := s.mutateSource(ctx, sourceID, func(src *types.KnowledgeSource) error {
		if !src.Active {
			return apierr.InvalidState("source %s is deactivated", sourceID)
		}
		if src.Status == types.SyncSyncing {
			return apierr.InvalidState("source %s is already syncing", sourceID)
		}
		src.Status = types.SyncSyncing
		src.LastError = ""
		out = *src
		return nil
	})
	return out, err
}

// SetSyncStatus records the outcome of a sync cycle or a retrieval failure.
// Moving to active stamps LastUpdated.
func (s *Store) SetSyncStatus(ctx context.Context, sourceID string, status types.SyncStatus, errMsg string) error {
	return s.mutateSource(ctx, sourceID, func(src *types.KnowledgeSource) error {
		src.Status = status
		src.LastError = errMsg
		if status == types.SyncActive {
			src.LastUpdated = s.now()
		}
		return nil
	})
}

func (s *Store) mutateSource(ctx context.Context, sourceID string, fn func(*types.KnowledgeSource) error) error {
	w := s.writer(sourceID)
	w.Lock()
	defer w.Unlock()

	s.mu.RLock()
	current, ok := s.sources[sourceID]
	var next types.KnowledgeSource
	if ok {
		next = *current
	}
	s.mu.RUnlock()
	if !ok {
		return apierr.NotFound("source %s", sourceID)
	}

	if err := fn(&next); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.SaveSource(ctx, &next); err != nil {
			return fmt.Errorf("persisting source %s: %w", sourceID, err)
		}
	}

	s.mu.Lock()
	s.sources[sourceID] = &next
	s.mu.Unlock()
	return nil
}

// Source returns a copy of one source
func (s *Store) Source(sourceID string) (types.KnowledgeSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return types.KnowledgeSource{}, apierr.NotFound("source %s", sourceID)
	}
	return *src, nil
}

// Sources returns all sources in registration order
func (s *Store) Sources() []types.KnowledgeSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.KnowledgeSource, 0, len(s.sourceOrder))
	for _, id := range s.sourceOrder {
		out = append(out, *s.sources[id])
	}
	return out
}

// MarkStale flags active sources not refreshed within olderThan and returns their ids
func (s *Store) MarkStale(ctx context.Context, olderThan time.Duration) []string {
	cutoff := s.now().Add(-olderThan)
	var stale []string
	for _, src := range s.Sources() {
		if src.Status == types.SyncActive && src.LastUpdated.Before(cutoff) {
			if err := s.SetSyncStatus(ctx, src.ID, types.SyncStale, ""); err != nil {
				s.log.Warn("failed to mark source stale", "source_id", src.ID, "error", err)
				continue
			}
			stale = append(stale, src.ID)
		}
	}
	return stale
}

// UpsertItem stores an item under its (registered, active) source.
func (s *Store) UpsertItem(ctx context.Context, item types.KnowledgeItem) (UpsertOutcome, error) {
	w := s.writer(item.SourceID)
	w.Lock()
	defer w.Unlock()
	return s.upsertLocked(ctx, item)
}

// upsertLocked requires the source writer lock
func (s *Store) upsertLocked(ctx context.Context, item types.KnowledgeItem) (UpsertOutcome, error) {
	var out UpsertOutcome
	if err := item.Validate(); err != nil {
		return out, apierr.New(http.StatusBadRequest, "invalid_item", err)
	}

	s.mu.RLock()
	src, ok := s.sources[item.SourceID]
	_, exists := s.items[item.ID]
	s.mu.RUnlock()
	if !ok || !src.Active {
		return out, apierr.NotFound("source %s", item.SourceID)
	}

	// a derived fact cannot be more certain than its source
	if item.Confidence > src.Confidence {
		s.log.Warn("item confidence exceeds source confidence, clamping",
			"item_id", item.ID, "source_id", src.ID,
			"item_confidence", item.Confidence, "source_confidence", src.Confidence)
		item.Confidence = src.Confidence
		out.Clamped = true
	}
	item.LastUpdated = s.now()
	item.Tags = append([]string(nil), item.Tags...)

	if s.persist != nil {
		if err := s.persist.SaveItem(ctx, &item); err != nil {
			return out, fmt.Errorf("persisting item %s: %w", item.ID, err)
		}
	}

	s.mu.Lock()
	if !exists {
		s.itemOrder = append(s.itemOrder, item.ID)
	}
	s.items[item.ID] = &item
	s.mu.Unlock()

	out.Created = !exists
	return out, nil
}

// ReplaceSourceItems makes items the complete content of a source, removing
// anything the source no longer provides.
func (s *Store) ReplaceSourceItems(ctx context.Context, sourceID string, items []types.KnowledgeItem) (int, error) {
	w := s.writer(sourceID)
	w.Lock()
	defer w.Unlock()

	keep := make(map[string]struct{}, len(items))
	clamped := 0
	for _, item := range items {
		if item.SourceID == "" {
			item.SourceID = sourceID
		}
		if item.SourceID != sourceID {
			return clamped, apierr.New(http.StatusBadRequest, "invalid_item",
				fmt.Errorf("item %s belongs to %s, not %s", item.ID, item.SourceID, sourceID))
		}
		outcome, err := s.upsertLocked(ctx, item)
		if err != nil {
			return clamped, err
		}
		if outcome.Clamped {
			clamped++
		}
		keep[item.ID] = struct{}{}
	}

	s.mu.RLock()
	var drop []string
	for _, id := range s.itemOrder {
		if it := s.items[id]; it.SourceID == sourceID {
			if _, ok := keep[id]; !ok {
				drop = append(drop, id)
			}
		}
	}
	s.mu.RUnlock()
	if len(drop) == 0 {
		return clamped, nil
	}

	if s.persist != nil {
		if err := s.persist.DeleteItems(ctx, drop); err != nil {
			return clamped, fmt.Errorf("deleting retired items of %s: %w", sourceID, err)
		}
	}
	s.mu.Lock()
	for _, id := range drop {
		delete(s.items, id)
	}
	order := s.itemOrder[:0]
	for _, id := range s.itemOrder {
		if _, ok := s.items[id]; ok {
			order = append(order, id)
		}
	}
	s.itemOrder = order
	s.mu.Unlock()
	return clamped, nil
}

// Item returns a copy of one item
func (s *Store) Item(itemID string) (types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return types.KnowledgeItem{}, apierr.NotFound("item %s", itemID)
	}
	return copyItem(item), nil
}

// ItemsBySource returns a source's items in insertion order
func (s *Store) ItemsBySource(sourceID string) ([]types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sources[sourceID]; !ok {
		return nil, apierr.NotFound("source %s", sourceID)
	}
	out := make([]types.KnowledgeItem, 0)
	for _, id := range s.itemOrder {
		if item := s.items[id]; item.SourceID == sourceID {
			out = append(out, copyItem(item))
		}
	}
	return out, nil
}

// ItemsByFilter returns items of active sources that pass f, in insertion order.
// Referencing an unregistered source id fails with NotFound.
func (s *Store) ItemsByFilter(f Filter) ([]types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sourceSet map[string]struct{}
	if len(f.Sources) > 0 {
		sourceSet = make(map[string]struct{}, len(f.Sources))
		for _, id := range f.Sources {
			if _, ok := s.sources[id]; !ok {
				return nil, apierr.NotFound("source %s", id)
			}
			sourceSet[id] = struct{}{}
		}
	}
	var typeSet map[types.ItemType]struct{}
	if len(f.Types) > 0 {
		typeSet = make(map[types.ItemType]struct{}, len(f.Types))
		for _, t := range f.Types {
			typeSet[t] = struct{}{}
		}
	}
	var cutoff time.Time
	if f.MaxAgeDays > 0 {
		cutoff = s.now().AddDate(0, 0, -f.MaxAgeDays)
	}

	out := make([]types.KnowledgeItem, 0)
	for _, id := range s.itemOrder {
		item := s.items[id]
		src := s.sources[item.SourceID]
		if src == nil || !src.Active {
			continue
		}
		if sourceSet != nil {
			if _, ok := sourceSet[item.SourceID]; !ok {
				continue
			}
		}
		if typeSet != nil {
			if _, ok := typeSet[item.Type]; !ok {
				continue
			}
		}
		if item.Confidence < f.MinConfidence {
			continue
		}
		if !cutoff.IsZero() && item.LastUpdated.Before(cutoff) {
			continue
		}
		out = append(out, copyItem(item))
	}
	return out, nil
}

func copyItem(item *types.KnowledgeItem) types.KnowledgeItem {
	out := *item
	out.Tags = append([]string(nil), item.Tags...)
	if item.Rule != nil {
		rule := *item.Rule
		rule.AppliesTo = append([]string(nil), item.Rule.AppliesTo...)
		out.Rule = &rule
	}
	return out
}
