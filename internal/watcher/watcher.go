// Package watcher reports settled content changes to a fixed set of files,
// such as the live settings store or catalog files.
package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// Event reports a file whose content changed and then held still for the
// debounce interval.
type Event struct {
	Path      string
	Hash      uint64
	Size      int64
	Timestamp time.Time
}

// Watcher monitors files for content changes. Bursts of writes are
// coalesced and rewrites with identical content are dropped.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string
	debounce  time.Duration

	mu       sync.Mutex
	files    map[string]struct{}
	pending  map[string]time.Time
	lastHash map[string]uint64

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over paths. Paths need not exist yet but their
// directories must.
func New(paths []string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		paths:     paths,
		debounce:  debounce,
		files:     make(map[string]struct{}),
		pending:   make(map[string]time.Time),
		lastHash:  make(map[string]uint64),
		events:    make(chan Event, 16),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of settled changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch and read errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. Files are watched through their directories so
// atomic replacement by rename is seen.
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for _, path := range w.paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		dir := filepath.Dir(abs)
		if !dirs[dir] {
			if err := w.fsWatcher.Add(dir); err != nil {
				return err
			}
			dirs[dir] = true
		}

		w.mu.Lock()
		w.files[abs] = struct{}{}
		if hash, _, err := HashFile(abs); err == nil {
			w.lastHash[abs] = hash
		}
		w.mu.Unlock()
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Clean(event.Name)
			w.mu.Lock()
			if _, watched := w.files[name]; watched {
				w.pending[name] = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// flush emits events for files that have been quiet for the debounce
// interval. Hashing happens without the lock held.
func (w *Watcher) flush(now time.Time) {
	threshold := now.Add(-w.debounce)

	type candidate struct {
		path    string
		touched time.Time
	}
	var ready []candidate
	w.mu.Lock()
	for path, touched := range w.pending {
		if touched.Before(threshold) {
			ready = append(ready, candidate{path, touched})
		}
	}
	w.mu.Unlock()

	for _, c := range ready {
		hash, size, err := HashFile(c.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				w.report(err)
			}
			w.mu.Lock()
			delete(w.pending, c.path)
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		if w.pending[c.path] != c.touched {
			// Written again while hashing; wait for it to settle.
			w.mu.Unlock()
			continue
		}
		if prev, seen := w.lastHash[c.path]; seen && prev == hash {
			delete(w.pending, c.path)
			w.mu.Unlock()
			continue
		}

		select {
		case w.events <- Event{Path: c.path, Hash: hash, Size: size, Timestamp: now}:
			delete(w.pending, c.path)
			w.lastHash[c.path] = hash
		default:
			// Consumer is behind; retry on the next tick.
		}
		w.mu.Unlock()
	}
}

// HashFile returns the xxhash of a file's content and its size.
func HashFile(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), size, nil
}

// Acknowledge records the current content of path as seen, so a write the
// caller made itself produces no event. A later write with other content
// is reported as usual.
func (w *Watcher) Acknowledge(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	hash, _, err := HashFile(abs)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastHash[abs] = hash
	w.mu.Unlock()
	return nil
}

// WatchedPaths returns the configured paths.
func (w *Watcher) WatchedPaths() []string {
	return w.paths
}

// Run feeds every event to handle until ctx is done or the watcher stops.
// Handler and watch errors are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, logger *slog.Logger, handle func(context.Context, Event) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			logger.Debug("file changed", "path", ev.Path, "size", ev.Size)
			if err := handle(ctx, ev); err != nil {
				logger.Error("change handler failed", "path", ev.Path, "error", err)
			}
		case err, ok := <-w.errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}
