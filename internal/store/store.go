package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store manages a write connection and a read-only pool. All
// mutations go through the single writer; dashboard reads use the
// reader pool and observe complete transactions only.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens the store at the given path. It configures
// WAL mode and returns a Store with separate writer and reader
// connections.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(schemaSQL); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return &Store{writer: writer, reader: reader, path: path}, nil
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Path returns the filesystem path of the live database file.
func (s *Store) Path() string {
	return s.path
}

// Reader returns the read-only connection pool.
func (s *Store) Reader() *sql.DB {
	return s.reader
}

// Update executes fn within the write lock and a transaction.
// Committed if fn returns nil, rolled back otherwise.
func (s *Store) Update(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// dataTables lists every table wiped by a full resync and copied by
// a restore, in an order safe for both.
var dataTables = []string{
	"messages", "sessions", "sync_metadata",
	"hourly_stats", "daily_stats", "monthly_stats",
	"app_state",
}

// Wipe deletes all rows from every table in one transaction. Used
// only by the full-resync path, after a safety backup exists.
func (s *Store) Wipe() error {
	return s.Update(func(tx *sql.Tx) error {
		for _, t := range dataTables {
			if _, err := tx.Exec("DELETE FROM " + t); err != nil {
				return fmt.Errorf("wiping %s: %w", t, err)
			}
		}
		return nil
	})
}

// SnapshotTo writes a consistent point-in-time copy of the store to
// dst using VACUUM INTO, holding the write lock so no mutation
// interleaves with the snapshot.
func (s *Store) SnapshotTo(dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Exec(
		"PRAGMA wal_checkpoint(TRUNCATE)",
	); err != nil {
		return fmt.Errorf("checkpointing before snapshot: %w", err)
	}
	if _, err := s.writer.Exec("VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshotting to %s: %w", dst, err)
	}
	return nil
}

// RestoreFrom replaces the store's contents with those of the
// snapshot at src. The copy runs as one transaction over an attached
// database so live reader connections never observe a partial state,
// and a checkpoint is forced afterwards.
func (s *Store) RestoreFrom(src string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("restore source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ATTACH cannot run inside a transaction.
	if _, err := s.writer.Exec(
		"ATTACH DATABASE ? AS restore_src", src,
	); err != nil {
		return fmt.Errorf("attaching %s: %w", src, err)
	}
	defer func() {
		_, _ = s.writer.Exec("DETACH DATABASE restore_src")
	}()

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning restore transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range dataTables {
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("clearing %s: %w", t, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO " + t +
				" SELECT * FROM restore_src." + t,
		); err != nil {
			return fmt.Errorf("restoring %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}

	if _, err := s.writer.Exec(
		"PRAGMA wal_checkpoint(TRUNCATE)",
	); err != nil {
		return fmt.Errorf("checkpointing after restore: %w", err)
	}
	return nil
}

// GetAppState returns the value for a bookkeeping key, or "" when
// the key is absent.
func (s *Store) GetAppState(key string) (string, error) {
	var v string
	err := s.reader.QueryRow(
		"SELECT value FROM app_state WHERE key = ?", key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading app state %s: %w", key, err)
	}
	return v, nil
}

// SetAppState upserts a bookkeeping key/value pair.
func (s *Store) SetAppState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(`
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing app state %s: %w", key, err)
	}
	return nil
}
