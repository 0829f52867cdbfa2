package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/usagehub/usagehub/internal/store"
)

// Kind classifies a backup artifact by what created it.
type Kind string

const (
	KindAuto   Kind = "auto"   // scheduler
	KindManual Kind = "manual" // explicit user request
	KindSystem Kind = "system" // safety backup around full resync
	KindLegacy Kind = "legacy" // pre-dating the current naming
)

// Artifact is one backup file on disk.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

const timestampLayout = "20060102T150405Z"

// Modern artifacts: {kind}_{UTC timestamp}_{rand}.db.
var artifactRe = regexp.MustCompile(
	`^(auto|manual|system)_(\d{8}T\d{6}Z)_([0-9a-f]+)\.db$`,
)

// Legacy artifacts from the old naming scheme.
var legacyRe = regexp.MustCompile(`^backup-.*\.db$`)

// Manager creates, lists, restores, and prunes full-store backup
// artifacts. One directory holds modern artifacts; one legacy
// directory is scanned read-only for migration.
type Manager struct {
	st        *store.Store
	dir       string
	legacyDir string
}

// NewManager creates a backup manager. legacyDir may be empty.
func NewManager(
	st *store.Store, dir, legacyDir string,
) *Manager {
	return &Manager{st: st, dir: dir, legacyDir: legacyDir}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// Create snapshots the live store into a new artifact of the given
// kind and returns it.
func (m *Manager) Create(kind Kind) (Artifact, error) {
	if kind == KindLegacy {
		return Artifact{}, fmt.Errorf(
			"cannot create legacy backups",
		)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf(
			"creating backup dir: %w", err,
		)
	}

	now := time.Now().UTC()
	name := fmt.Sprintf(
		"%s_%s_%s.db",
		kind, now.Format(timestampLayout), randSuffix(),
	)
	path := filepath.Join(m.dir, name)

	if err := m.st.SnapshotTo(path); err != nil {
		os.Remove(path)
		return Artifact{}, fmt.Errorf(
			"snapshotting store: %w", err,
		)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Name:      name,
		Path:      path,
		Kind:      kind,
		CreatedAt: now,
		Size:      info.Size(),
	}, nil
}

// List returns all artifacts from the backup directory and the
// legacy directory, newest first. Files matching neither naming
// scheme are ignored.
func (m *Manager) List() ([]Artifact, error) {
	var out []Artifact

	scan := func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			a, ok := classify(dir, entry.Name())
			if !ok {
				continue
			}
			out = append(out, a)
		}
		return nil
	}

	if err := scan(m.dir); err != nil {
		return nil, err
	}
	if m.legacyDir != "" && m.legacyDir != m.dir {
		if err := scan(m.legacyDir); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Restore copies an artifact's contents back over the live store.
func (m *Manager) Restore(a Artifact) error {
	return m.st.RestoreFrom(a.Path)
}

// Delete removes one artifact file.
func (m *Manager) Delete(a Artifact) error {
	return os.Remove(a.Path)
}

// Find returns the artifact with the given file name.
func (m *Manager) Find(name string) (Artifact, error) {
	artifacts, err := m.List()
	if err != nil {
		return Artifact{}, err
	}
	for _, a := range artifacts {
		if a.Name == name {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("backup %s not found", name)
}

// CleanupOld deletes the oldest artifacts of one kind beyond the
// retention count. Returns how many were deleted.
func (m *Manager) CleanupOld(kind Kind, keep int) (int, error) {
	artifacts, err := m.List()
	if err != nil {
		return 0, err
	}
	var ofKind []Artifact
	for _, a := range artifacts {
		if a.Kind == kind {
			ofKind = append(ofKind, a)
		}
	}
	if len(ofKind) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, a := range ofKind[keep:] { // List is newest-first
		if err := m.Delete(a); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func classify(dir, name string) (Artifact, bool) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, false
	}

	if parts := artifactRe.FindStringSubmatch(name); parts != nil {
		created, err := time.Parse(timestampLayout, parts[2])
		if err != nil {
			return Artifact{}, false
		}
		return Artifact{
			Name:      name,
			Path:      path,
			Kind:      Kind(parts[1]),
			CreatedAt: created,
			Size:      info.Size(),
		}, true
	}

	if legacyRe.MatchString(name) {
		return Artifact{
			Name:      name,
			Path:      path,
			Kind:      KindLegacy,
			CreatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		}, true
	}

	return Artifact{}, false
}

func randSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
