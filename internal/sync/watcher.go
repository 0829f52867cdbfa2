package sync

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultFlushInterval is how often the watcher flushes its
// pending set to the callback.
const DefaultFlushInterval = 5 * time.Second

// Watcher uses fsnotify to watch source directories for changes
// and triggers a callback with a debounced, deduplicated path
// list. Directories are watched non-recursively; callers add each
// directory they care about.
type Watcher struct {
	onChange func(paths []string)
	watcher  *fsnotify.Watcher
	flush    time.Duration
	patterns []string
	pending  map[string]time.Time
	mu       gosync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
	now      func() time.Time
}

// NewWatcher creates a file watcher that calls onChange with the
// paths accumulated since the last flush. Only files whose base
// name matches one of the patterns are reported.
func NewWatcher(
	flush time.Duration, patterns []string,
	onChange func(paths []string),
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf(
			"onChange callback is nil: %w", os.ErrInvalid,
		)
	}
	if flush <= 0 {
		flush = DefaultFlushInterval
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		onChange: onChange,
		watcher:  fsw,
		flush:    flush,
		patterns: patterns,
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Watch adds one directory (non-recursive) to the watch list.
// Callers treat failure as non-fatal: interval sync remains the
// fallback for unwatchable paths.
func (w *Watcher) Watch(dir string) error {
	return w.watcher.Add(dir)
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
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
			log.Printf("watcher error: %v", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleEvent records a pending change for create/write/rename of
// a matching file. Pure deletes are ignored.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&ops == 0 {
		return
	}
	if !w.matches(filepath.Base(event.Name)) {
		return
	}

	w.mu.Lock()
	w.pending[filepath.Clean(event.Name)] = w.now()
	w.mu.Unlock()
}

func (w *Watcher) matches(name string) bool {
	if len(w.patterns) == 0 {
		return true
	}
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	ready := make([]string, 0, len(w.pending))
	for path := range w.pending {
		ready = append(ready, path)
	}
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	log.Printf(
		"watcher: %d file(s) changed, triggering sync", len(ready),
	)
	w.onChange(ready)
}
