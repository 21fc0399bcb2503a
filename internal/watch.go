package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

// WatchCombiner reloads the combiner checkpoint in dir after every change
// and passes it to onReload. It blocks until ctx is done. Reload failures
// are logged and the previous combiner stays in use.
func WatchCombiner(ctx context.Context, dir string, debounce time.Duration, logger *zap.Logger, onReload func(*AdaptiveCombiner)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "watcher"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isCombinerEvent(event) {
				continue
			}
			if !pending {
				timer.Reset(debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-timer.C:
			pending = false
			c, err := LoadAdaptiveCombiner(osfs.New(dir), WithAdaptiveLogger(logger))
			if err != nil {
				logger.Warn("reload combiner", zap.Error(err))
				continue
			}
			logger.Info("reloaded combiner", zap.String("dir", dir))
			onReload(c)
		}
	}
}

func isCombinerEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != CombinerFilename {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
