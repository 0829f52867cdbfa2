package sync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	helloWorldHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	emptyInputHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestComputeHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"hello world", "hello world", helloWorldHash},
		{"empty", "", emptyInputHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeHash(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("ComputeHash: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeFileHash(t *testing.T) {
	path := writeFile(t, t.TempDir(), "f.jsonl", "hello world")
	got, err := ComputeFileHash(path)
	if err != nil {
		t.Fatalf("ComputeFileHash: %v", err)
	}
	if got != helloWorldHash {
		t.Errorf("got %s, want %s", got, helloWorldHash)
	}

	if _, err := ComputeFileHash(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStableFileHash(t *testing.T) {
	path := writeFile(t, t.TempDir(), "f.jsonl", "hello world")
	got, err := StableFileHash(path, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("StableFileHash: %v", err)
	}
	if got != helloWorldHash {
		t.Errorf("got %s, want %s", got, helloWorldHash)
	}
}

func TestStableFileHashUnstable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.jsonl", "v0")

	// Keep mutating the file faster than the stability window.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				content := strings.Repeat("x", i%100+1)
				_ = os.WriteFile(path, []byte(content), 0o644)
			}
		}
	}()
	defer func() { close(stop); <-done }()

	_, err := StableFileHash(path, 2, 5*time.Millisecond)
	if err == nil {
		t.Skip("file settled between probes")
	}
	if !errors.Is(err, ErrSourceUnstable) {
		t.Errorf("err = %v, want ErrSourceUnstable", err)
	}
}

func TestForeignDBFingerprint(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "usage.db")

	if got := ForeignDBFingerprint(dbPath); got != "" {
		t.Errorf("missing db fingerprint = %q, want empty", got)
	}

	writeFile(t, dir, "usage.db", "main file")
	fp1 := ForeignDBFingerprint(dbPath)
	if fp1 == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if !strings.HasPrefix(fp1, "db:") {
		t.Errorf("fingerprint %q missing db: prefix", fp1)
	}

	// A WAL append must change the fingerprint even when the main
	// file is untouched.
	writeFile(t, dir, "usage.db-wal", "wal content")
	fp2 := ForeignDBFingerprint(dbPath)
	if fp2 == fp1 {
		t.Error("WAL append did not change fingerprint")
	}
}
