package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestSizeOfRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.ms")

	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Size(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != 11 {
		t.Fatalf("size = %d, want 11", got)
	}
}

func TestSizeOfDirectorySumsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	ms := filepath.Join(dir, "capture.ms")
	if err := os.MkdirAll(filepath.Join(ms, "SUBTABLE"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ms, "table.dat"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ms, "SUBTABLE", "rows.dat"), []byte("123"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Size(ms)
	if err != nil {
		t.Fatal(err)
	}
	if got != 8 {
		t.Fatalf("size = %d, want 8", got)
	}
}

func TestSizeMissingPath(t *testing.T) {
	if _, err := Size(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestChecksumMatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.ms")
	content := []byte("checksum content")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("checksum = %s, want %s", got, want)
	}
}

func TestChecksumRejectsDirectory(t *testing.T) {
	if _, err := Checksum(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}
