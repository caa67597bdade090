// Package toolwatcher keeps the tool catalog in sync with the external
// JSON tools file. The front-end collaborator edits that file; the
// watcher detects the write and imports the result into the store.
package toolwatcher

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/parser"
)

// Store is the slice of the state store the watcher writes to
type Store interface {
	UpsertTool(tool *domain.AITool) error
	ListTools() ([]*domain.AITool, error)
	SetToolActive(id string, active bool) error
}

// Watcher monitors the tools file and re-imports it on change
type Watcher struct {
	path     string
	store    Store
	debounce time.Duration

	watcher *fsnotify.Watcher
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// New creates a watcher for the given tools file
func New(path string, store Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		store:    store,
		debounce: 500 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// SetDebounce sets the debounce window for batching rapid writes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start imports the current file contents, then begins watching.
// Editors replace files by rename, so the parent directory is watched
// rather than the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	if err := Import(w.path, w.store); err != nil {
		log.Printf("[toolwatcher] initial import: %v", err)
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[toolwatcher] watch error: %v", err)
			}
		}
	}()
	return nil
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	if err := Import(w.path, w.store); err != nil {
		log.Printf("[toolwatcher] import failed: %v", err)
		return
	}
	log.Printf("[toolwatcher] tools file reloaded: %s", w.path)
}

// Import reads the tools file and reconciles the catalog against it.
// File entries are upserted; catalog tools missing from the file are
// deactivated rather than deleted so existing projects keep their
// snapshots resolvable.
func Import(path string, store Store) error {
	tools, err := parser.ParseToolsFile(path)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if err := store.UpsertTool(tool); err != nil {
			return err
		}
		seen[tool.ID] = true
	}

	existing, err := store.ListTools()
	if err != nil {
		return err
	}
	for _, tool := range existing {
		if !seen[tool.ID] && tool.Active {
			if err := store.SetToolActive(tool.ID, false); err != nil {
				return err
			}
		}
	}
	return nil
}
