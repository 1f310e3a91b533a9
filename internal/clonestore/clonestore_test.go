package clonestore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func writeFile(t *testing.T, path string, n int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, n), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTouchAndRemove(t *testing.T) {
	s, err := New(t.TempDir(), 0, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir := s.Path("m1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := s.Touch("m1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.Remove("m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed")
	}
}

func TestMaybeEvictPrunesOldest(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, 150, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	writeFile(t, filepath.Join(root, "old", "pack.dat"), 100)
	writeFile(t, filepath.Join(root, "new", "pack.dat"), 100)

	oldTime := time.Now().Add(-time.Hour)
	os.Chtimes(filepath.Join(root, "old"), oldTime, oldTime)

	if err := s.MaybeEvict(); err != nil {
		t.Fatalf("evict: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "old")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest clone to be evicted")
	}
	if _, err := os.Stat(filepath.Join(root, "new")); err != nil {
		t.Fatalf("expected newest clone to survive, got %v", err)
	}
}

func TestMaybeEvictDisabledWhenBudgetZero(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, 0, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	writeFile(t, filepath.Join(root, "m1", "pack.dat"), 1000)
	if err := s.MaybeEvict(); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "m1")); err != nil {
		t.Fatalf("expected no eviction with zero budget")
	}
}
