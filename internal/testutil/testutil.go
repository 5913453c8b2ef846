// Package testutil provides fakes and fixtures shared by apxctrl tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteProject creates a project file with the given content in dir and
// returns its absolute path.
func WriteProject(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write project file: %v", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("failed to resolve project path: %v", err)
	}
	return abs
}

// MakeResultDir creates parent/name containing one file and sets its
// modification time.
func MakeResultDir(t *testing.T, parent, name string, mtime time.Time) string {
	t.Helper()

	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatalf("failed to create result dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data", "report.csv"), []byte("meter,value\nCh1,-0.1\n"), 0o644); err != nil {
		t.Fatalf("failed to write result file: %v", err)
	}
	if err := os.Chtimes(dir, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
	return dir
}
