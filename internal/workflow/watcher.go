package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before it is loaded.
const DefaultDebounce = 100 * time.Millisecond

// Watch registers definition files created in dir after the call. Writes
// are debounced so a file is parsed once it is complete. Invalid files and
// ids that are already registered are logged and skipped; definitions stay
// immutable, so rewriting a registered file has no effect.
//
// The watch runs until ctx is done.
func (s *Store) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	s.logger.Info("watching workflow directory", "dir", dir)
	go s.watchLoop(ctx, w, debounce)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, debounce time.Duration) {
	defer w.Close()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("workflow watcher error", "error", err)

		case <-ticker.C:
			now := time.Now()
			for path, at := range pending {
				if now.Sub(at) >= debounce {
					delete(pending, path)
					s.loadWatched(path)
				}
			}
		}
	}
}

func (s *Store) loadWatched(path string) {
	def, err := LoadFile(path)
	if err != nil {
		s.logger.Warn("skipping invalid workflow file", "path", path, "error", err)
		return
	}
	if err := s.Register(def); err != nil {
		s.logger.Warn("workflow file not registered", "path", path, "workflow_id", def.ID, "error", err)
		return
	}
	s.logger.Info("registered workflow from file", "path", path, "workflow_id", def.ID)
}
