package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a reload is triggered
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Registry when its templates directory changes
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	// OnReload is called after every reload attempt (tests hook it)
	OnReload func(err error)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the registry's directory and each
// template directory below it.
func NewWatcher(registry *Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		watcher:  fw,
		debounce: debounce,
		logger:   logger.With("component", "template-watcher"),
	}

	root := registry.Directory()
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("read templates directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDir(filepath.Join(root, entry.Name()))
		}
	}

	return w, nil
}

// Run processes filesystem events until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching templates", "dir", w.registry.Directory(), "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// Close releases the underlying fsnotify watcher
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.watcher.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	root := w.registry.Directory()
	parent := filepath.Dir(event.Name)

	switch {
	case parent == filepath.Clean(root):
		// A template directory appeared, vanished or was renamed
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addDir(event.Name)
			}
		}
		if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
			return
		}

	case filepath.Base(event.Name) == ManifestFile:
		if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
			return
		}

	default:
		return
	}

	w.logger.Debug("template change detected", "file", event.Name, "op", event.Op.String())
	w.schedule()
}

func (w *Watcher) addDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch template directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.registry.Reload()
	if err != nil {
		w.logger.Error("template reload failed, keeping previous set", "error", err)
	} else {
		w.logger.Info("templates reloaded", "count", w.registry.Count())
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}
