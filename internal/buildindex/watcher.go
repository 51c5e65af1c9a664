package buildindex

import (
	"crypto/md5"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Watcher monitors the build-index directory for signal-file changes and
// calls onChange with the file's stem (the agent name) once per content
// change. Polling keeps the dependency surface minimal; the content-hash map
// suppresses restarts on touches that leave the bytes unchanged.
type Watcher struct {
	dir       string
	interval  time.Duration
	stability time.Duration
	onChange  func(name string)

	mu       sync.Mutex
	hashes   map[string][md5.Size]byte
	pending  map[string]pendingChange
	done     chan struct{}
	stopOnce sync.Once
}

type pendingChange struct {
	hash  [md5.Size]byte
	since time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 25 milliseconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStabilityWindow sets how long a changed file must keep the same
// content before onChange fires. The default is 50 milliseconds; it absorbs
// the compiler's non-atomic writes.
func WithStabilityWindow(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.stability = d
		}
	}
}

// NewWatcher snapshots the directory's current content hashes and starts
// polling in a background goroutine. Files present at startup do not fire
// onChange.
func NewWatcher(dir string, onChange func(name string), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		dir:       dir,
		interval:  25 * time.Millisecond,
		stability: 50 * time.Millisecond,
		onChange:  onChange,
		hashes:    make(map[string][md5.Size]byte),
		pending:   make(map[string]pendingChange),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	hashes, err := w.scan()
	if err != nil {
		return nil, err
	}
	w.hashes = hashes

	go w.poll()
	return w, nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	current, err := w.scan()
	if err != nil {
		slog.Warn("build index watcher: scan failed", "dir", w.dir, "err", err)
		return
	}

	now := time.Now()
	var fire []string

	w.mu.Lock()
	for name, hash := range current {
		if stored, ok := w.hashes[name]; ok && stored == hash {
			delete(w.pending, name)
			continue
		}
		p, ok := w.pending[name]
		if !ok || p.hash != hash {
			// First sighting of this content; wait for it to settle.
			w.pending[name] = pendingChange{hash: hash, since: now}
			continue
		}
		if now.Sub(p.since) < w.stability {
			continue
		}
		w.hashes[name] = hash
		delete(w.pending, name)
		fire = append(fire, name)
	}
	// Files removed from the index stop being tracked.
	for name := range w.hashes {
		if _, ok := current[name]; !ok {
			delete(w.hashes, name)
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()

	for _, name := range fire {
		slog.Info("build index changed", "agent", name)
		if w.onChange != nil {
			w.onChange(name)
		}
	}
}

// scan hashes every regular file in the directory, keyed by file stem.
func (w *Watcher) scan() (map[string][md5.Size]byte, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string][md5.Size]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, e.Name()))
		if err != nil {
			// The compiler may be mid-write; the next tick retries.
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		hashes[stem] = md5.Sum(data)
	}
	return hashes, nil
}
