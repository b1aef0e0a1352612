package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and hands each valid config to
// apply. It blocks until ctx is done. Parse and validation failures are
// logged and skipped; the previous config stays in effect.
func Watch(ctx context.Context, path string, log *logger.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload skipped", logger.String("path", path), logger.Error(err))
				continue
			}
			log.Info("config reloaded", logger.String("path", path))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logger.Error(err))
		}
	}
}
