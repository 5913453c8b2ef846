package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriter_NoRotationUnderLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer func() { _ = rw.Close() }()

	if _, err := rw.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rw.Size() != 5 {
		t.Errorf("Size() = %d, want 5", rw.Size())
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("unexpected backup file")
	}
}

func TestRotatingWriter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}

	chunk := []byte(strings.Repeat("x", 600*1024))
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Error("backup beyond MaxBackups should not exist")
	}
}

func TestRotatingWriter_Compress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}

	chunk := []byte(strings.Repeat("y", 700*1024))
	for i := 0; i < 2; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// Close waits for background compression.
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path + ".1.gz"); err != nil {
		t.Errorf("expected compressed backup: %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed after compression")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), RotationConfig{})
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Error("expected error writing to closed writer")
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}
