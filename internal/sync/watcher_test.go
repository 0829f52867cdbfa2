package sync

import (
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
)

func newTestWatcher(
	t *testing.T, patterns []string, onChange func([]string),
) *Watcher {
	t.Helper()
	w, err := NewWatcher(time.Hour, patterns, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w
}

func TestNewWatcherNilCallback(t *testing.T) {
	if _, err := NewWatcher(time.Second, nil, nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

func TestWatcherAccumulatesAndDedupes(t *testing.T) {
	var got []string
	w := newTestWatcher(t, []string{"*.jsonl"}, func(paths []string) {
		got = append(got, paths...)
	})

	for _, ev := range []fsnotify.Event{
		{Name: "/data/a.jsonl", Op: fsnotify.Write},
		{Name: "/data/a.jsonl", Op: fsnotify.Write},
		{Name: "/data/sub/../b.jsonl", Op: fsnotify.Create},
		{Name: "/data/c.jsonl", Op: fsnotify.Remove},
		{Name: "/data/ignore.txt", Op: fsnotify.Write},
		{Name: "/data/d.jsonl", Op: fsnotify.Chmod},
	} {
		w.handleEvent(ev)
	}
	w.flushPending()

	sort.Strings(got)
	want := []string{"/data/a.jsonl", "/data/b.jsonl"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flushed paths mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcherEmptyFlushIsSilent(t *testing.T) {
	called := false
	w := newTestWatcher(t, nil, func([]string) { called = true })
	w.flushPending()
	if called {
		t.Error("callback fired with no pending paths")
	}
}

func TestWatcherFlushClearsPending(t *testing.T) {
	calls := 0
	w := newTestWatcher(t, nil, func([]string) { calls++ })
	w.handleEvent(fsnotify.Event{
		Name: "/data/a.jsonl", Op: fsnotify.Write,
	})
	w.flushPending()
	w.flushPending()
	if calls != 1 {
		t.Errorf("callback fired %d times, want 1", calls)
	}
}

func TestWatcherMatchAllWhenNoPatterns(t *testing.T) {
	var got []string
	w := newTestWatcher(t, nil, func(paths []string) { got = paths })
	w.handleEvent(fsnotify.Event{
		Name: "/data/anything.bin", Op: fsnotify.Write,
	})
	w.flushPending()
	if len(got) != 1 {
		t.Errorf("got %d paths, want 1", len(got))
	}
}
