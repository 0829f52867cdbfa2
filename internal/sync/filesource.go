package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/usagehub/usagehub/internal/parser"
	"github.com/usagehub/usagehub/internal/store"
)

const (
	// Write batching thresholds. Per-file transactions make large
	// initial syncs prohibitively slow, so parsed events and
	// cursor updates accumulate until one of these trips, then
	// flush as a single store transaction.
	batchEventLimit = 2000
	batchFileLimit  = 100

	maxWorkers = 8

	stabilityRetries = 3
	stabilityDelay   = 150 * time.Millisecond
)

// Directories never descended into during the walk.
var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "target": true, "dist": true,
	"build": true, "vendor": true, "__pycache__": true,
	".venv": true,
}

// FileSource syncs one file-tree source: a directory of loose
// JSON/JSONL payload files. Each file carries its own cursor row
// keyed by path, so unchanged files are skipped by fingerprint.
type FileSource struct {
	st   *store.Store
	def  parser.SourceDef
	root string
}

// NewFileSource creates a file-tree sync engine for one source
// root.
func NewFileSource(
	st *store.Store, def parser.SourceDef, root string,
) *FileSource {
	return &FileSource{st: st, def: def, root: root}
}

// Name returns the source tool id events are tagged with.
func (f *FileSource) Name() string { return f.def.Name }

// WatchDirs returns the directories the change detector should
// watch for this source.
func (f *FileSource) WatchDirs() []string {
	var dirs []string
	err := filepath.WalkDir(f.root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				dirs = append(dirs, path)
			}
			return nil
		})
	if err != nil {
		return nil
	}
	return dirs
}

// Matches reports whether a changed path belongs to this source.
func (f *FileSource) Matches(path string) bool {
	if _, ok := isUnder(f.root, path); !ok {
		return false
	}
	return matchesPatterns(filepath.Base(path), f.def.Patterns)
}

// Sync walks the whole tree and imports changed files. Returns the
// pass stats and the union of affected session ids.
func (f *FileSource) Sync() (SyncStats, []string, error) {
	if _, err := os.Stat(f.root); err != nil {
		return SyncStats{}, nil, fmt.Errorf(
			"%s: %w", f.root, ErrSourceUnavailable,
		)
	}
	return f.syncFiles(f.discover())
}

// SyncPaths imports only the given changed paths. Paths outside
// this source's tree or not matching its patterns are ignored.
func (f *FileSource) SyncPaths(
	paths []string,
) (SyncStats, []string, error) {
	var files []string
	for _, p := range paths {
		if f.Matches(p) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return SyncStats{}, nil, nil
	}
	return f.syncFiles(files)
}

// discover enumerates candidate files under the root, skipping
// VCS/build directories and non-matching names.
func (f *FileSource) discover() []string {
	var files []string
	_ = filepath.WalkDir(f.root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip inaccessible entries
			}
			if d.IsDir() {
				if path != f.root && skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if matchesPatterns(d.Name(), f.def.Patterns) {
				files = append(files, path)
			}
			return nil
		})
	return files
}

// fileResult is one worker's outcome for one candidate file.
type fileResult struct {
	path     string
	hash     string
	events   []store.Event
	skip     bool
	unstable bool
	err      error
}

func (f *FileSource) syncFiles(
	files []string,
) (SyncStats, []string, error) {
	stats := SyncStats{FilesSeen: len(files)}
	if len(files) == 0 {
		return stats, nil, nil
	}

	known, err := f.loadFingerprints()
	if err != nil {
		return stats, nil, err
	}

	results := f.startWorkers(files, known)
	affected, err := f.collectAndBatch(results, len(files), &stats)
	if err != nil {
		return stats, nil, err
	}
	return stats, affected, nil
}

// loadFingerprints snapshots the stored per-path fingerprints so
// workers can do skip checks without touching the database.
func (f *FileSource) loadFingerprints() (map[string]string, error) {
	cursors, err := f.st.ListCursors()
	if err != nil {
		return nil, fmt.Errorf("loading cursors: %w", err)
	}
	known := make(map[string]string, len(cursors))
	for _, c := range cursors {
		known[c.Source] = c.Fingerprint
	}
	return known, nil
}

// startWorkers fans file hashing and parsing out across a worker
// pool and returns a channel of results.
func (f *FileSource) startWorkers(
	files []string, known map[string]string,
) <-chan fileResult {
	workers := min(max(runtime.NumCPU(), 2), maxWorkers)

	jobs := make(chan string, len(files))
	results := make(chan fileResult, len(files))

	for range workers {
		go func() {
			for path := range jobs {
				results <- f.processFile(path, known[path])
			}
		}()
	}

	for _, p := range files {
		jobs <- p
	}
	close(jobs)
	return results
}

func (f *FileSource) processFile(
	path, knownFingerprint string,
) fileResult {
	hash, err := StableFileHash(
		path, stabilityRetries, stabilityDelay,
	)
	if err != nil {
		if errors.Is(err, ErrSourceUnstable) {
			return fileResult{path: path, unstable: true}
		}
		return fileResult{path: path, err: err}
	}
	if hash == knownFingerprint {
		return fileResult{path: path, skip: true}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fileResult{path: path, err: err}
	}
	events, err := f.def.Adapter(f.def.Name, raw)
	if err != nil {
		return fileResult{path: path, err: err}
	}
	return fileResult{path: path, hash: hash, events: events}
}

// collectAndBatch drains worker results, accumulating events and
// cursor updates, and flushes them as one store transaction per
// batch. A failed flush aborts the run with its cursors
// unadvanced, so the whole batch retries next pass.
func (f *FileSource) collectAndBatch(
	results <-chan fileResult, total int, stats *SyncStats,
) ([]string, error) {
	var (
		pendingEvents  []store.Event
		pendingCursors []store.Cursor
		pendingFiles   int
		affected       = make(map[string]struct{})
	)

	flush := func() error {
		if pendingFiles == 0 {
			return nil
		}
		if err := f.st.ImportBatch(
			pendingEvents, pendingCursors,
		); err != nil {
			return fmt.Errorf(
				"writing batch of %d file(s): %w",
				pendingFiles, err,
			)
		}
		stats.Imported += len(pendingEvents)
		pendingEvents = pendingEvents[:0]
		pendingCursors = pendingCursors[:0]
		pendingFiles = 0
		return nil
	}

	for range total {
		r := <-results
		switch {
		case r.err != nil:
			stats.Failed++
			log.Printf("sync %s: %v", f.def.Name, r.err)
			continue
		case r.unstable:
			stats.Unstable++
			continue
		case r.skip:
			stats.Skipped++
			continue
		}

		cursor := store.Cursor{
			Source:       r.path,
			Fingerprint:  r.hash,
			LastImportAt: time.Now().UnixMilli(),
			EventCount:   int64(len(r.events)),
		}
		for _, e := range r.events {
			affected[e.SessionID] = struct{}{}
			if cursor.FirstEventAt == 0 ||
				e.CreatedAt < cursor.FirstEventAt {
				cursor.FirstEventAt = e.CreatedAt
			}
			if e.CreatedAt > cursor.LastEventAt {
				cursor.LastEventAt = e.CreatedAt
			}
		}

		pendingEvents = append(pendingEvents, r.events...)
		pendingCursors = append(pendingCursors, cursor)
		pendingFiles++

		if len(pendingEvents) >= batchEventLimit ||
			pendingFiles >= batchFileLimit {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func matchesPatterns(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// isUnder checks whether path is strictly inside dir after
// cleaning both paths. Returns the relative path on success.
func isUnder(dir, path string) (string, bool) {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", false
	}
	sep := string(filepath.Separator)
	if rel == "." || rel == ".." ||
		len(rel) >= 3 && rel[:3] == ".."+sep {
		return "", false
	}
	return rel, true
}
