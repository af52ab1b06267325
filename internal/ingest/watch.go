package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor save bursts into one sync
const debounce = 200 * time.Millisecond

// Watch resyncs file-backed sources when their bundle changes on disk.
// It blocks until ctx is done.
func (s *Syncer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	bundles := make(map[string]string)
	dirs := make(map[string]struct{})
	for _, src := range s.store.Sources() {
		if scheme(src.URL) != "file" {
			continue
		}
		path, err := filePath(src.URL)
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		bundles[abs] = src.ID
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(bundles) == 0 {
		<-ctx.Done()
		return nil
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			s.log.Warn("cannot watch bundle directory", "dir", dir, "error", err)
			continue
		}
		s.log.Debug("watching bundle directory", "dir", dir)
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if id, ok := bundles[abs]; ok {
				pending[id] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		case now := <-ticker.C:
			for id, at := range pending {
				if now.Sub(at) < debounce {
					continue
				}
				delete(pending, id)
				if _, err := s.Sync(ctx, id); err != nil && !errors.Is(err, apierr.ErrInvalidState) {
					s.log.Warn("bundle change resync failed", "source_id", id, "error", err)
				}
			}
		}
	}
}
