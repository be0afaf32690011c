package hyperbox

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Filesystem event types surfaced to the controller.
const (
	EventCreated  = "created"
	EventModified = "modified"
)

// EventFunc receives (eventType, path) for every non-directory change under
// the watched root. Invoked from the watcher goroutine.
type EventFunc func(eventType, path string)

// Watcher emits created/modified events for files under a root directory,
// recursively. fsnotify watches are per-directory, so new subdirectories
// are added to the watch set as they appear.
type Watcher struct {
	root    string
	onEvent EventFunc
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over root. Start must be called before
// events flow.
func NewWatcher(root string, onEvent EventFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:    root,
		onEvent: onEvent,
		logger:  logger.With(slog.String("component", "watcher")),
	}
}

// Start begins watching. Idempotent: calling Start on a running watcher is
// a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := addRecursive(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}

	w.watcher = fsw
	w.wg.Add(1)
	go w.run(fsw)
	return nil
}

// Stop halts event delivery and releases the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	fsw.Close()
	w.wg.Wait()
}

// run pumps fsnotify events until the watcher is closed.
func (w *Watcher) run(fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// handle translates one fsnotify event. Directory creations extend the
// watch set; file creations and writes reach the callback.
func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		w.onEvent(EventCreated, event.Name)
		return
	}
	if event.Op.Has(fsnotify.Write) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
		w.onEvent(EventModified, event.Name)
	}
}

// addRecursive registers root and every directory below it.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
