package configstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/sessionrelay/internal/logger"
)

const watchDebounce = 200 * time.Millisecond

// Watcher reports entries that appear in a FileStore's file through edits made outside the
// process. An id is reported again only after a rescan saw it gone from the file, so a
// session removed on unlink and added back later is started again.
type Watcher struct {
	store   *FileStore
	onAdded func(Entry)
	watcher *fsnotify.Watcher
	known   map[string]struct{}
}

// NewWatcher seeds the known set from the current file and starts watching its directory.
// The directory is watched rather than the file because writes replace the file by rename.
func NewWatcher(ctx context.Context, store *FileStore, onAdded func(Entry)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(store.Path()), err)
	}

	w := &Watcher{
		store:   store,
		onAdded: onAdded,
		watcher: fw,
		known:   make(map[string]struct{}),
	}

	entries, err := store.List(ctx)
	if err != nil {
		logger.Warn("session list watcher: initial read failed: %v", err)
	}
	for _, e := range entries {
		w.known[e.SessionID] = struct{}{}
	}
	return w, nil
}

// Run processes file events until ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.store.Path())
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)
		case <-debounce:
			debounce = nil
			w.rescan(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("session list watcher error: %v", err)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) {
	entries, err := w.store.List(ctx)
	if err != nil {
		logger.Warn("session list watcher: %v", err)
		return
	}
	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		current[e.SessionID] = struct{}{}
		if _, seen := w.known[e.SessionID]; seen {
			continue
		}
		logger.Info("session list: new entry %s", e.SessionID)
		if w.onAdded != nil {
			w.onAdded(e)
		}
	}
	w.known = current
}
