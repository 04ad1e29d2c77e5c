// Package watch re-runs generation rounds when corpus sources change.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"declsynth/internal/frontend"
	"declsynth/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Trigger is called from the watcher goroutine with the settled set of changed
// paths. Calls never overlap.
type Trigger func(ctx context.Context, changed []string)

// Options configures a Watcher.
type Options struct {
	// Root is the corpus directory, watched recursively.
	Root string
	// IgnorePatterns are corpus ignore patterns; matching directories are not watched.
	IgnorePatterns []string
	// Extension selects the files whose changes count, e.g. ".cs".
	Extension string
	// Debounce is the quiet period after the last event before Trigger runs.
	Debounce time.Duration
	// Tick is how often pending events are checked. Defaults to Debounce/3.
	Tick time.Duration
}

// Stats tracks watcher activity.
type Stats struct {
	Created       int
	Modified      int
	Deleted       int
	Triggers      int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher watches a corpus tree and calls a Trigger once edits settle.
type Watcher struct {
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	opts     Options
	onChange Trigger
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	stats Stats
}

// New creates a watcher. It does not watch anything until Start.
func New(opts Options, onChange Trigger) (*Watcher, error) {
	if opts.Extension == "" {
		opts.Extension = ".cs"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.Tick <= 0 {
		opts.Tick = opts.Debounce / 3
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		opts:     opts,
		onChange: onChange,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start adds the corpus tree and begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.opts.Root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Watch("watching %s (%d directories)", w.opts.Root, len(w.watcher.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.WatchError("error closing watcher: %v", err)
	}
	logging.Watch("stopped")
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.opts.Root {
			if rel, err := filepath.Rel(w.opts.Root, path); err == nil && frontend.Ignored(rel, w.opts.IgnorePatterns) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(path); err != nil {
			logging.Get(logging.CategoryWatch).Warn("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
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
			logging.WatchError("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case now := <-ticker.C:
			if changed := w.settled(now); len(changed) > 0 {
				w.mu.Lock()
				w.stats.Triggers++
				w.mu.Unlock()
				logging.Watch("%d files changed, starting round", len(changed))
				w.onChange(ctx, changed)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.opts.Root, event.Name)
	if err != nil || frontend.Ignored(rel, w.opts.IgnorePatterns) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.Get(logging.CategoryWatch).Warn("cannot watch new directory %s: %v", event.Name, err)
			}
			// files created before the watch existed are seen by the next load
			w.record(event.Name, "create")
			return
		}
	}

	if !strings.HasSuffix(event.Name, w.opts.Extension) {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		w.record(event.Name, "create")
	case event.Op&fsnotify.Write != 0:
		w.record(event.Name, "modify")
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.record(event.Name, "delete")
	}
}

func (w *Watcher) record(path, kind string) {
	logging.WatchDebug("%s %s", kind, path)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.stats.LastEventTime = now
	w.stats.LastEventPath = path
	switch kind {
	case "create":
		w.stats.Created++
	case "modify":
		w.stats.Modified++
	case "delete":
		w.stats.Deleted++
	}
	w.pending[path] = now
}

// settled returns and clears the pending paths once no event arrived for the
// debounce period. Edits that keep arriving postpone the round.
func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	var latest time.Time
	for _, t := range w.pending {
		if t.After(latest) {
			latest = t
		}
	}
	if now.Sub(latest) < w.opts.Debounce {
		return nil
	}
	changed := make([]string, 0, len(w.pending))
	for path := range w.pending {
		changed = append(changed, path)
	}
	sort.Strings(changed)
	w.pending = make(map[string]time.Time)
	return changed
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching returns true if the watcher is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// WatchedDirs returns the directories being watched.
func (w *Watcher) WatchedDirs() []string {
	return w.watcher.WatchList()
}
