package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/types"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the knowledge store the syncer drives
type Store interface {
	Source(sourceID string) (types.KnowledgeSource, error)
	Sources() []types.KnowledgeSource
	BeginSync(ctx context.Context, sourceID string) (types.KnowledgeSource, error)
	ReplaceSourceItems(ctx context.Context, sourceID string, items []types.KnowledgeItem) (int, error)
	SetSyncStatus(ctx context.Context, sourceID string, status types.SyncStatus, errMsg string) error
	MarkStale(ctx context.Context, olderThan time.Duration) []string
}

// Publisher receives sync outcome events
type Publisher interface {
	Publish(event *events.Event)
}

// Options tunes the syncer
type Options struct {
	Timeout    time.Duration
	StaleAfter time.Duration
	HTTPClient *http.Client
}

// Syncer re-ingests knowledge sources through their providers
type Syncer struct {
	store     Store
	opts      Options
	publisher Publisher
	log       *logger.Logger
	inline    *InlineProvider

	mu        sync.RWMutex
	providers map[string]Provider

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a syncer with file, http(s) and inline providers registered
func New(store Store, opts Options, publisher Publisher, log *logger.Logger) *Syncer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	inline := NewInlineProvider()
	httpProvider := HTTPProvider{Client: opts.HTTPClient}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		store:     store,
		opts:      opts,
		publisher: publisher,
		log:       logger.OrNop(log).With("component", "ingest"),
		inline:    inline,
		providers: map[string]Provider{
			"file":   FileProvider{},
			"http":   httpProvider,
			"https":  httpProvider,
			"inline": inline,
		},
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Inline returns the provider serving config-supplied items
func (s *Syncer) Inline() *InlineProvider {
	return s.inline
}

// SetProvider overrides the provider for a URL scheme
func (s *Syncer) SetProvider(scheme string, p Provider) {
	s.mu.Lock()
	s.providers[scheme] = p
	s.mu.Unlock()
}

func (s *Syncer) provider(src types.KnowledgeSource) (Provider, error) {
	key := scheme(src.URL)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[key]
	if !ok {
		return nil, fmt.Errorf("no provider for scheme %q", key)
	}
	return p, nil
}

// Sync moves the source to syncing and runs the cycle in the background.
// The returned source reflects the syncing status.
func (s *Syncer) Sync(ctx context.Context, sourceID string) (types.KnowledgeSource, error) {
	src, err := s.store.BeginSync(ctx, sourceID)
	if err != nil {
		return types.KnowledgeSource{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(s.baseCtx, src)
	}()
	return src, nil
}

// SyncNow runs one sync cycle and waits for it
func (s *Syncer) SyncNow(ctx context.Context, sourceID string) error {
	src, err := s.store.BeginSync(ctx, sourceID)
	if err != nil {
		return err
	}
	return s.run(ctx, src)
}

// SyncAll syncs every active source in parallel. Per-source failures are
// recorded on the source, not returned.
func (s *Syncer) SyncAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, src := range s.store.Sources() {
		if !src.Active {
			continue
		}
		id := src.ID
		g.Go(func() error {
			if err := s.SyncNow(gctx, id); err != nil {
				s.log.Warn("source sync failed", "source_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SweepStale flags sources not refreshed within StaleAfter
func (s *Syncer) SweepStale(ctx context.Context) []string {
	if s.opts.StaleAfter <= 0 {
		return nil
	}
	stale := s.store.MarkStale(ctx, s.opts.StaleAfter)
	for _, id := range stale {
		s.log.Info("source marked stale", "source_id", id)
		s.publish(id, types.SyncStale, 0, 0, "")
	}
	return stale
}

// Run sweeps for stale sources every interval until ctx is done
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale(ctx)
		}
	}
}

// Shutdown cancels in-flight background syncs and waits for them
func (s *Syncer) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) run(ctx context.Context, src types.KnowledgeSource) error {
	start := time.Now()
	items, err := s.fetch(ctx, src)
	// status writes must land even when the cycle was cancelled
	writeCtx := context.WithoutCancel(ctx)
	if err == nil {
		var clamped int
		clamped, err = s.store.ReplaceSourceItems(writeCtx, src.ID, items)
		if err == nil {
			if err = s.store.SetSyncStatus(writeCtx, src.ID, types.SyncActive, ""); err == nil {
				s.log.Info("source synced", "source_id", src.ID, "items", len(items),
					"clamped", clamped, "duration", time.Since(start))
				s.publish(src.ID, types.SyncActive, len(items), clamped, "")
				return nil
			}
		}
	}

	msg := err.Error()
	if serr := s.store.SetSyncStatus(writeCtx, src.ID, types.SyncError, msg); serr != nil {
		s.log.Error("failed to record sync error", "source_id", src.ID, "error", serr)
	}
	s.log.Warn("source sync failed", "source_id", src.ID, "error", err)
	s.publish(src.ID, types.SyncError, 0, 0, msg)
	return err
}

func (s *Syncer) fetch(ctx context.Context, src types.KnowledgeSource) ([]types.KnowledgeItem, error) {
	p, err := s.provider(src)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	items, err := p.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].SourceID == "" {
			items[i].SourceID = src.ID
		}
	}
	return items, nil
}

func (s *Syncer) publish(sourceID string, status types.SyncStatus, items, clamped int, errMsg string) {
	if s.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"source_id": sourceID,
		"status":    string(status),
		"items":     items,
		"clamped":   clamped,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	priority := events.PriorityLow
	if status == types.SyncError {
		priority = events.PriorityHigh
	}
	s.publisher.Publish(events.NewEvent(events.EventKnowledgeSync, "ingest", sourceID, priority, payload))
}
