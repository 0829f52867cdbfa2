package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usagehub/usagehub/internal/parser"
	"github.com/usagehub/usagehub/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func claudeDef(t *testing.T) parser.SourceDef {
	t.Helper()
	def, ok := parser.SourceByName("claude")
	if !ok {
		t.Fatal("claude source not registered")
	}
	return def
}

// Fixture timestamps are epoch milliseconds; the payload decoder
// treats small numeric timestamps as epoch seconds.
const (
	tsFixtureA = int64(1704110400000) // 2024-01-01T12:00:00Z
	tsFixtureB = tsFixtureA + 60_000
)

// eventLine renders one JSONL event line.
func eventLine(id, sid string, at int64) string {
	return fmt.Sprintf(
		`{"id":%q,"sessionId":%q,"role":"assistant","createdAt":%d,`+
			`"provider":"anthropic","model":"claude-sonnet","inputTokens":10}`,
		id, sid, at)
}

func TestFileSourceSync(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	path := writeFile(t, root, "a.jsonl",
		eventLine("m1", "s1", tsFixtureA)+"\n"+
			eventLine("m2", "s1", tsFixtureB))

	fs := NewFileSource(st, claudeDef(t), root)
	stats, affected, err := fs.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.FilesSeen != 1 || stats.Imported != 2 {
		t.Errorf("stats = %+v, want 1 seen / 2 imported", stats)
	}
	if diff := cmp.Diff([]string{"s1"}, affected); diff != "" {
		t.Errorf("affected mismatch (-want +got):\n%s", diff)
	}

	n, err := st.EventCount()
	if err != nil {
		t.Fatalf("EventCount: %v", err)
	}
	if n != 2 {
		t.Errorf("event count = %d, want 2", n)
	}

	c, err := st.GetCursor(path)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if c == nil || c.Fingerprint == "" {
		t.Fatalf("cursor = %+v, want fingerprint set", c)
	}
	if c.FirstEventAt != tsFixtureA || c.LastEventAt != tsFixtureB {
		t.Errorf("cursor range = (%d, %d), want (%d, %d)",
			c.FirstEventAt, c.LastEventAt, tsFixtureA, tsFixtureB)
	}
}

func TestFileSourceSkipsUnchanged(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.jsonl", eventLine("m1", "s1", tsFixtureA))

	fs := NewFileSource(st, claudeDef(t), root)
	if _, _, err := fs.Sync(); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	stats, _, err := fs.Sync()
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if stats.Skipped != 1 || stats.Imported != 0 {
		t.Errorf("stats = %+v, want 1 skipped / 0 imported", stats)
	}
}

// Identical content appearing at two paths (a moved or copied file)
// must not duplicate events: ids collide and the second insert is a
// no-op, while both paths keep their own cursor.
func TestFileSourceIdenticalContentTwoPaths(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	content := eventLine("m1", "s1", tsFixtureA) + "\n" +
		eventLine("m2", "s1", tsFixtureB)
	writeFile(t, root, "a.jsonl", content)

	fs := NewFileSource(st, claudeDef(t), root)
	if _, _, err := fs.Sync(); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	writeFile(t, root, "b.jsonl", content)
	if _, _, err := fs.Sync(); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	n, err := st.EventCount()
	if err != nil {
		t.Fatalf("EventCount: %v", err)
	}
	if n != 2 {
		t.Errorf("event count = %d, want 2", n)
	}

	cursors, err := st.ListCursors()
	if err != nil {
		t.Fatalf("ListCursors: %v", err)
	}
	if len(cursors) != 2 {
		t.Errorf("got %d cursors, want 2", len(cursors))
	}
}

func TestFileSourceMissingRoot(t *testing.T) {
	st := openTestStore(t)
	fs := NewFileSource(st, claudeDef(t),
		filepath.Join(t.TempDir(), "nope"))
	_, _, err := fs.Sync()
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestFileSourceSyncPathsFilters(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	inside := writeFile(t, root, "a.jsonl", eventLine("m1", "s1", tsFixtureA))
	outside := writeFile(t, t.TempDir(), "b.jsonl",
		eventLine("m9", "s9", tsFixtureA))
	noMatch := writeFile(t, root, "notes.txt", "not a payload")

	fs := NewFileSource(st, claudeDef(t), root)
	stats, affected, err := fs.SyncPaths(
		[]string{inside, outside, noMatch},
	)
	if err != nil {
		t.Fatalf("SyncPaths: %v", err)
	}
	if stats.FilesSeen != 1 || stats.Imported != 1 {
		t.Errorf("stats = %+v, want 1 seen / 1 imported", stats)
	}
	if len(affected) != 1 || affected[0] != "s1" {
		t.Errorf("affected = %v, want [s1]", affected)
	}
}

func TestFileSourceSkipsVCSDirectories(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, gitDir, "hidden.jsonl", eventLine("m1", "s1", tsFixtureA))

	fs := NewFileSource(st, claudeDef(t), root)
	stats, _, err := fs.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.FilesSeen != 0 {
		t.Errorf("files seen = %d, want 0", stats.FilesSeen)
	}
}

func TestFileSourceCountsParseFailures(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "good.jsonl", eventLine("m1", "s1", tsFixtureA))
	writeFile(t, root, "bad.jsonl", `{"no":"event"}`+"\n"+`{"here":1}`)

	fs := NewFileSource(st, claudeDef(t), root)
	stats, _, err := fs.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Failed != 1 || stats.Imported != 1 {
		t.Errorf("stats = %+v, want 1 failed / 1 imported", stats)
	}
}

func TestFileSourceMatches(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()
	fs := NewFileSource(st, claudeDef(t), root)

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "a.jsonl"), true},
		{filepath.Join(root, "sub", "b.json"), true},
		{filepath.Join(root, "a.txt"), false},
		{"/elsewhere/a.jsonl", false},
		{root, false},
	}
	for _, tt := range tests {
		if got := fs.Matches(tt.path); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
