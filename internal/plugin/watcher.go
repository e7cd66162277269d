package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a file to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watcher keeps the plugins installed from a directory in sync with it:
// added or changed files are installed, removed files are deleted.
type Watcher struct {
	mu sync.Mutex

	dir      string
	manager  *Manager
	loader   *Loader
	logger   *zap.Logger
	debounce time.Duration

	// File path to installed plugin id
	ids map[string]string

	// Pending debounce timers by path
	pending map[string]*time.Timer
	fire    chan string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long events for one file are coalesced.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, m *Manager, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		manager:  m,
		loader:   NewLoader(dir),
		logger:   zap.NewNop(),
		debounce: DefaultDebounce,
		ids:      make(map[string]string),
		pending:  make(map[string]*time.Timer),
		fire:     make(chan string, 64),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("plugin-watcher")
	return w
}

// Sync installs every plugin file currently in the directory.
func (w *Watcher) Sync(ctx context.Context) error {
	ids, err := w.loader.InstallAll(ctx, w.manager, SourceExternal)
	w.mu.Lock()
	for p, id := range ids {
		w.ids[p] = id
	}
	w.mu.Unlock()
	return err
}

// Run syncs the directory and then follows changes until ctx is done.
// The directory is created if missing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	if err := w.Sync(ctx); err != nil {
		w.logger.Warn("initial plugin sync failed", zap.Error(err))
	}

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.schedule(ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case p := <-w.fire:
			w.apply(ctx, p)
		}
	}
}

// schedule coalesces events for one file into a single apply.
func (w *Watcher) schedule(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || FormatForPath(base) == "" {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[ev.Name]; ok {
		t.Reset(w.debounce)
		return
	}
	name := ev.Name
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.fire <- name
	})
}

// apply reconciles one file: install or update it if present, delete its
// plugin if gone.
func (w *Watcher) apply(ctx context.Context, p string) {
	w.mu.Lock()
	delete(w.pending, p)
	prevID, known := w.ids[p]
	w.mu.Unlock()

	log := w.logger.With(zap.String("file", p))

	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if !known {
			return
		}
		w.mu.Lock()
		delete(w.ids, p)
		w.mu.Unlock()
		if err := w.manager.DeletePlugin(ctx, prevID); err != nil && !errors.Is(err, ErrPluginNotFound) {
			log.Warn("failed to delete plugin", zap.String("plugin", prevID), zap.Error(err))
			return
		}
		log.Info("plugin file removed", zap.String("plugin", prevID))
		return
	}

	f, err := w.loader.ReadFile(p)
	if err != nil {
		log.Warn("failed to read plugin file", zap.Error(err))
		return
	}
	rec, err := Install(ctx, w.manager, f, SourceExternal)
	if rec != nil {
		w.mu.Lock()
		w.ids[p] = rec.ID
		w.mu.Unlock()
		// A file whose plugin id changed leaves the old plugin behind.
		if known && prevID != rec.ID {
			if err := w.manager.DeletePlugin(ctx, prevID); err != nil && !errors.Is(err, ErrPluginNotFound) {
				log.Warn("failed to delete renamed plugin", zap.String("plugin", prevID), zap.Error(err))
			}
		}
	}
	if err != nil {
		log.Warn("failed to install plugin file", zap.Error(err))
		return
	}
	log.Info("plugin file applied", zap.String("plugin", rec.ID))
}

// Files returns the tracked file to plugin id mapping.
func (w *Watcher) Files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.ids))
	for p, id := range w.ids {
		out[p] = id
	}
	return out
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}
