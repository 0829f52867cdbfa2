package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// ComputeHash returns the SHA-256 hex digest of a reader's bytes.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFileHash returns the SHA-256 hex digest of a file.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ComputeHash(f)
}

// StableFileHash hashes a file, waits, and re-hashes, accepting the
// result only when two consecutive hashes agree. This guards
// against fingerprinting a file mid-write. Exhausting retries
// returns ErrSourceUnstable.
func StableFileHash(
	path string, retries int, delay time.Duration,
) (string, error) {
	prev, err := ComputeFileHash(path)
	if err != nil {
		return "", err
	}
	for range retries {
		time.Sleep(delay)
		cur, err := ComputeFileHash(path)
		if err != nil {
			return "", err
		}
		if cur == prev {
			return cur, nil
		}
		prev = cur
	}
	return "", fmt.Errorf("%s: %w", path, ErrSourceUnstable)
}

// sqliteFingerprint folds the size and mtime of a SQLite database's
// main, WAL, and SHM files into one value. WAL appends change the
// fingerprint even when the main file is untouched. Returns 0 when
// the main file is missing.
func sqliteFingerprint(dbPath string) int64 {
	info, err := os.Stat(dbPath)
	if err != nil {
		return 0
	}
	fp := info.Size()*31 + info.ModTime().UnixNano()
	for _, suffix := range []string{"-wal", "-shm"} {
		if si, err := os.Stat(dbPath + suffix); err == nil {
			fp = fp*31 + si.Size()*31 + si.ModTime().UnixNano()
		}
	}
	return fp
}

// ForeignDBFingerprint returns the cursor fingerprint string for a
// foreign SQLite database, or "" when the database is missing.
func ForeignDBFingerprint(dbPath string) string {
	fp := sqliteFingerprint(dbPath)
	if fp == 0 {
		return ""
	}
	return fmt.Sprintf("db:%x", uint64(fp))
}
