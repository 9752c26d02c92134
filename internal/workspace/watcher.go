package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"assetsync/internal/asset"
)

// DefaultDebounce is how long the tree must be quiet before queued paths are
// imported.
const DefaultDebounce = 250 * time.Millisecond

// Watcher feeds file-system events to an Importer. Events arriving while
// auto import is paused stay queued until it resumes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	importer *Importer
	ws       *Workspace
	debounce time.Duration
	logger   asset.Logger

	mu       sync.Mutex
	running  bool
	pending  map[string]struct{}
	lastSeen time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(im *Importer, debounce time.Duration, logger asset.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = asset.NewNopLogger()
	}
	return &Watcher{
		watcher:  fw,
		importer: im,
		ws:       im.ws,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches every versioned directory and imports changes until Stop or
// until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.addTree(w.ws.root); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("closing watcher: %w", err)
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := w.ws.Rel(abs); err == nil && rel != "" && w.importer.ignore.Ignored(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(abs); err != nil {
			return fmt.Errorf("watching %s: %w", abs, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.queue(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) queue(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	rel, err := w.ws.Rel(event.Name)
	if err != nil || rel == "" || w.importer.ignore.Ignored(rel) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory", "path", rel, "error", err)
			}
		}
	}
	w.mu.Lock()
	w.pending[rel] = struct{}{}
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// flush imports the queued paths once the tree has been quiet long enough.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	if len(w.pending) == 0 || now.Sub(w.lastSeen) < w.debounce || !w.importer.AutoImport() {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	if err := w.importer.Import(ctx, paths, asset.ImportRecursive); err != nil {
		w.logger.Warn("background import failed", "paths", len(paths), "error", err)
	}
}

// Pending returns the number of queued paths.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
