package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sub", "state.json")

	if err := WriteFileAtomic(p, []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(p, []byte(`{"v":2}`), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, err := ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != `{"v":2}` {
		t.Fatalf("unexpected content %q", b)
	}

	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, got %d entries", len(entries))
	}
}

func TestReadFile_Missing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "nope.json")); err != ErrNotExists {
		t.Fatalf("expected ErrNotExists, got %v", err)
	}
}
