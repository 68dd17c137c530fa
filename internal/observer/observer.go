// Package observer watches a run's workspace while the agent works and
// reports the files it touches.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports batches of changed paths under a watched root.
// Rapid bursts of writes are debounced into one batch.
type Watcher struct {
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// New creates a Watcher with the default 500ms debounce
func New() *Watcher {
	return &Watcher{debounce: 500 * time.Millisecond}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Watch blocks until ctx is cancelled, reporting changed paths relative
// to root. Paths under .git are ignored. Directories created while
// watching are picked up.
func (w *Watcher) Watch(ctx context.Context, root string, onChange func(paths []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, root); err != nil {
		return err
	}

	w.mu.Lock()
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, root, event, onChange)
		case _, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// Keep watching through transient errors
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, root string, event fsnotify.Event, onChange func([]string)) {
	if ignored(root, event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories need their own watches
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			addRecursive(fw, event.Name)
			return
		}
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(onChange) })
	w.mu.Unlock()
}

func (w *Watcher) flush(onChange func([]string)) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(pending) == 0 || onChange == nil {
		return
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	onChange(paths)
}

func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		if info.Name() == ".git" {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
