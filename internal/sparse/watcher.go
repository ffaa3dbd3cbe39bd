package sparse

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the persisted vocabulary whenever the state file is replaced
// on disk, so a running service picks up a fresh `sparse fit` without a
// restart. The watch runs until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: atomic
// replacement renames a new inode into place, which drops a watch bound to
// the old one.
func (e *Embedder) Watch(ctx context.Context) error {
	if e.path == "" {
		return errors.New("sparse: no persist path configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create vocabulary watcher: %w", err)
	}
	dir := filepath.Dir(e.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go e.processEvents(ctx, watcher)
	return nil
}

func (e *Embedder) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	base := filepath.Base(e.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			e.logger.Info("sparse vocabulary changed on disk, reloading",
				zap.String("path", e.path))
			if err := e.Load(); err != nil {
				e.logger.Warn("failed to reload sparse vocabulary", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("sparse vocabulary watcher error", zap.Error(err))
		}
	}
}
