package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes, until ctx is done.
// Watchers registered with AddWatcher see each successful reload. A reload
// that fails keeps the previous configuration.
func (cm *ConfigManager) Watch(ctx context.Context, logger hclog.Logger) error {
	path := cm.ConfigPath()
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("config-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := cm.reload(); err != nil {
				logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
				return
			}
			logger.Info("config reloaded", "path", path)
		})
	}

	go func() {
		defer watcher.Close()
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	logger.Debug("watching config file", "path", path)
	return nil
}
