package plugins

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with a plugin name when its files change on disk.
// Wire it to the agent pool's EvictPluginAgents so warm sub-agents built
// against a stale plugin are torn down.
type ReloadFunc func(pluginName string)

// Watcher observes plugin directories for changes. Each immediate child
// directory (or file stem) of a watched root is treated as one plugin;
// events are debounced per plugin so a multi-file rewrite triggers a
// single reload.
type Watcher struct {
	log      *slog.Logger
	onReload ReloadFunc
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher invoking onReload on changes. A nil logger
// falls back to slog.Default(); debounce <= 0 defaults to 250ms.
func NewWatcher(log *slog.Logger, debounce time.Duration, onReload ReloadFunc) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		log:      log,
		onReload: onReload,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching roots. Calling Start on an already started
// Watcher is a no-op.
func (w *Watcher) Start(ctx context.Context, roots []string) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		if err := watcher.Add(root); err != nil {
			w.log.Warn("plugins: failed to watch directory", "dir", root, "error", err)
		}
	}

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching and waits for the event loop to drain.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	for name, timer := range w.timers {
		timer.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(pluginNameFromPath(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("plugins: watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(name string) {
	if name == "" || w.onReload == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if timer, ok := w.timers[name]; ok {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		w.log.Info("plugins: change detected, reloading", "plugin", name)
		w.onReload(name)
	})
}

// pluginNameFromPath derives the plugin identity from a changed path: the
// base name with any extension stripped.
func pluginNameFromPath(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
