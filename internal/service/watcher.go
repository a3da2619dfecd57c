package service

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/domain/fsevent"
	"github.com/moru-ai/shadow/internal/port/broadcast"
)

// ignoredNames are path segments dropped before they enter the debounce
// map: version-control metadata, dependency directories, and editor/OS
// artifacts. Bulk operations in these trees generate thousands of raw
// events that mean nothing to a viewer.
var ignoredNames = map[string]struct{}{
	".git":         {},
	".shadow":      {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
	"vendor":       {},
	"dist":         {},
	".next":        {},
	".cache":       {},
	".idea":        {},
	".vscode":      {},
	".DS_Store":    {},
}

// Watcher watches one task's workspace for filesystem changes, coalesces
// them into batches, and supports pause/resume so bulk operations (a
// checkpoint restore, a dependency install) stay silent.
type Watcher struct {
	taskID      string
	root        string
	debounce    time.Duration
	broadcaster broadcast.Broadcaster
	log         *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	paused  bool
	pending map[string]fsevent.Change
	flush   *time.Timer
	watched map[string]struct{} // directories with active watches
	closed  bool
}

// NewWatcher creates a watcher for the task's workspace root.
func NewWatcher(taskID, root string, debounce time.Duration, b broadcast.Broadcaster, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		taskID:      taskID,
		root:        root,
		debounce:    debounce,
		broadcaster: b,
		log:         log.With("task_id", taskID),
		fsw:         fsw,
		pending:     make(map[string]fsevent.Change),
		watched:     make(map[string]struct{}),
	}
	return w, nil
}

// Start adds recursive watches and begins processing raw events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		_ = w.fsw.Close()
		return err
	}

	go w.loop(ctx)
	return nil
}

// Pause immediately stops classifying and buffering raw events. Events
// arriving while paused are dropped, not queued, and a flush already
// scheduled is discarded rather than emitted.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = true
	if w.flush != nil {
		w.flush.Stop()
		w.flush = nil
	}
	w.pending = make(map[string]fsevent.Change)
}

// Resume re-enables event classification.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.closed = true
	if w.flush != nil {
		w.flush.Stop()
		w.flush = nil
	}
	w.mu.Unlock()

	_ = w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// handleRaw classifies one raw event into the debounce map. The paused
// check and the classification happen under one lock: no event may be
// classified after Pause is requested, even if already in flight.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Chmod) {
		return
	}
	if ignored(w.root, ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused || w.closed {
		return
	}

	change, ok := w.classify(ev)
	if !ok {
		return
	}

	// created followed by modified within one burst stays created.
	if prev, exists := w.pending[change.Path]; exists &&
		prev.Op == fsevent.OpCreated && change.Op == fsevent.OpModified {
		change.Op = fsevent.OpCreated
	}
	w.pending[change.Path] = change

	if w.flush == nil {
		w.flush = time.AfterFunc(w.debounce, w.emit)
	}
}

// classify must be called with w.mu held.
func (w *Watcher) classify(ev fsnotify.Event) (fsevent.Change, bool) {
	change := fsevent.Change{
		Path:      ev.Name,
		Origin:    "watcher",
		Timestamp: time.Now(),
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		change.Op = fsevent.OpCreated
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			change.Dir = true
			// New directories need their own watch for recursion.
			if err := w.addLocked(ev.Name); err != nil {
				w.log.Warn("watch new directory", "path", ev.Name, "error", err)
			}
		}
	case ev.Op.Has(fsnotify.Write):
		change.Op = fsevent.OpModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		change.Op = fsevent.OpDeleted
		_, change.Dir = w.watched[ev.Name]
		delete(w.watched, ev.Name)
	default:
		return fsevent.Change{}, false
	}

	return change, true
}

// emit flushes the accumulated batch through the broadcaster. A pause
// between scheduling and firing clears the pending map, so a stale flush
// emits nothing.
func (w *Watcher) emit() {
	w.mu.Lock()
	w.flush = nil
	if w.paused || w.closed || len(w.pending) == 0 {
		w.pending = make(map[string]fsevent.Change)
		w.mu.Unlock()
		return
	}
	batch := make([]fsevent.Change, 0, len(w.pending))
	for _, c := range w.pending {
		batch = append(batch, c)
	}
	w.pending = make(map[string]fsevent.Change)
	w.mu.Unlock()

	w.broadcaster.Publish(context.Background(), w.taskID, ws.EventFSChanges, ws.FSChangesEvent{
		TaskID:  w.taskID,
		Changes: batch,
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignored(root, path) {
			return filepath.SkipDir
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.addLocked(path)
	})
}

// addLocked must be called with w.mu held.
func (w *Watcher) addLocked(path string) error {
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.watched[path] = struct{}{}
	return nil
}

// ignored reports whether any segment of path relative to root is in the
// fixed ignore set.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if _, ok := ignoredNames[seg]; ok {
			return true
		}
	}
	return false
}

// WatcherRegistry tracks the active watcher per task.
type WatcherRegistry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{watchers: make(map[string]*Watcher)}
}

// Set registers the watcher for a task, stopping any previous one.
func (r *WatcherRegistry) Set(taskID string, w *Watcher) {
	r.mu.Lock()
	prev := r.watchers[taskID]
	r.watchers[taskID] = w
	r.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
}

// Get returns the task's watcher, if any.
func (r *WatcherRegistry) Get(taskID string) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[taskID]
	return w, ok
}

// Delete stops and removes the task's watcher.
func (r *WatcherRegistry) Delete(taskID string) {
	r.mu.Lock()
	w := r.watchers[taskID]
	delete(r.watchers, taskID)
	r.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}
