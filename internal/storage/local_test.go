package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"call-archiver/internal/config"
	"call-archiver/internal/logger"
)

// TestLocalUploadCopiesAndBuildsURL provisions the directory and copies.
func TestLocalUploadCopiesAndBuildsURL(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "call 1.wav")
	mustWriteFile(t, src, "RIFF")
	root := filepath.Join(dir, "archive")
	dest := filepath.Join(root, "sys", "2024", "1", "1", "call 1.wav")

	b := NewLocal(config.Local{LocalPath: root, BaseURL: "https://x.test/audio"}, logger.Discard().Entry)
	u, err := b.Upload(context.Background(), Target{SourcePath: src, DestPath: dest, GeneratedPath: "sys/2024/1/1"})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if u != "https://x.test/audio/sys/2024/1/1/call%201.wav" {
		t.Fatalf("url = %q", u)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "RIFF" {
		t.Fatalf("dest = %q, %v", got, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Fatalf("stray partial files: %v", entries)
	}
}

// TestLocalPruneRemovesOldFiles expires files and their empty directories.
func TestLocalPruneRemovesOldFiles(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "sys", "2023", "1", "1", "old.wav")
	fresh := filepath.Join(root, "sys", "2024", "6", "1", "fresh.wav")
	mustWriteFile(t, old, "old")
	mustWriteFile(t, fresh, "new")

	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	b := NewLocal(config.Local{LocalPath: root}, logger.Discard().Entry)
	removed, err := b.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "sys", "2023")); !os.IsNotExist(err) {
		t.Fatalf("empty year directory should be gone, stat err = %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root removed: %v", err)
	}
}

// TestLocalPruneMissingRoot is a no-op.
func TestLocalPruneMissingRoot(t *testing.T) {
	b := NewLocal(config.Local{LocalPath: filepath.Join(t.TempDir(), "absent")}, logger.Discard().Entry)
	if n, err := b.Prune(context.Background(), time.Now()); err != nil || n != 0 {
		t.Fatalf("Prune() = %d, %v", n, err)
	}
}
