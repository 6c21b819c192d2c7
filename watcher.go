package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher invalidates cached project configs when their config.json
// changes and reloads the price table when its override file changes.
type ConfigWatcher struct {
	projectsDir string
	cache       *ConfigCache
	prices      *PriceBook
	logger      *slog.Logger

	// onEvent is called after each handled event (tests use it to synchronize)
	onEvent func(path string)
}

// NewConfigWatcher creates a watcher over the storage root.
func NewConfigWatcher(store *Storage, cache *ConfigCache, prices *PriceBook, logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		projectsDir: filepath.Join(store.BaseDir(), "projects"),
		cache:       cache,
		prices:      prices,
		logger:      logger,
	}
}

// Start begins watching until ctx is done.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.projectsDir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(w.projectsDir); err != nil {
		watcher.Close()
		return err
	}
	entries, _ := os.ReadDir(w.projectsDir)
	for _, e := range entries {
		if e.IsDir() {
			w.add(watcher, filepath.Join(w.projectsDir, e.Name()))
		}
	}

	// Editors replace files by rename, so watch the directory of the price file
	if w.prices != nil && w.prices.Path() != "" {
		w.add(watcher, filepath.Dir(w.prices.Path()))
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				w.handle(watcher, evt)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()

	w.logger.Info("config watcher started", "dir", w.projectsDir)
	return nil
}

func (w *ConfigWatcher) add(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
	}
}

func (w *ConfigWatcher) handle(watcher *fsnotify.Watcher, evt fsnotify.Event) {
	if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	// New project directory
	if filepath.Dir(evt.Name) == w.projectsDir {
		if evt.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
				w.add(watcher, evt.Name)
			}
		}
		w.notify(evt.Name)
		return
	}

	switch {
	case filepath.Base(evt.Name) == "config.json" && filepath.Dir(filepath.Dir(evt.Name)) == w.projectsDir:
		projectID := filepath.Base(filepath.Dir(evt.Name))
		w.cache.Invalidate(projectID)
		w.logger.Info("project config changed", "project", projectID, "op", evt.Op.String())

	case w.prices != nil && w.prices.Path() != "" && filepath.Clean(evt.Name) == filepath.Clean(w.prices.Path()):
		if evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			// The replacement shows up as a separate Create
			break
		}
		if err := w.prices.Reload(); err != nil {
			w.logger.Error("failed to reload price table, keeping previous", "path", evt.Name, "error", err)
		}
	}

	w.notify(evt.Name)
}

func (w *ConfigWatcher) notify(path string) {
	if w.onEvent != nil {
		w.onEvent(path)
	}
}
