package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file on change and hands the result to a
// callback. Changes are debounced because editors fire several events
// per save.
type Watcher struct {
	logger   *zap.Logger
	path     string
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a config file watcher.
func NewWatcher(logger *zap.Logger, configPath string) *Watcher {
	return &Watcher{
		logger:   logger,
		path:     configPath,
		debounce: time.Second,
	}
}

// Watch blocks until the context is done, invoking onChange with each
// successfully reloaded config. A reload that fails validation keeps
// the previous config and logs.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload(onChange)
		case err := <-watcher.Errors:
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) scheduleReload(onChange func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error("Config reload failed, keeping previous", zap.Error(err))
			return
		}
		w.logger.Info("Configuration reloaded", zap.String("path", w.path))
		onChange(cfg)
	})
}
