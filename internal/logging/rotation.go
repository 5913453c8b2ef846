package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the file is rotated.
	// Zero disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept as <file>.1 .. <file>.N.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotationConfig returns the rotation settings used when the
// configuration leaves them unset.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  20,
		MaxBackups: 5,
		Compress:   true,
	}
}

// RotatingWriter is an io.WriteCloser over a log file that rotates the file
// once it would grow beyond the configured size. It is safe for concurrent use.
type RotatingWriter struct {
	mu sync.Mutex

	path       string
	limit      int64
	maxBackups int
	compress   bool

	file *os.File
	size int64

	// compressions tracks in-flight background gzip jobs so Close can wait.
	compressions sync.WaitGroup
}

// NewRotatingWriter opens (or creates) path for appending.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		limit:      int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// open must be called with mu held (or before the writer is shared).
func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}

	if rw.limit > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			// Keep writing to whatever file is open so no lines are lost.
			fmt.Fprintf(os.Stderr, "apxctrl: log rotation failed: %v\n", err)
			if rw.file == nil {
				return 0, err
			}
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil

	// A previous backup may still be compressing under the name we shift.
	rw.compressions.Wait()
	rw.shiftBackups()

	if rw.maxBackups > 0 {
		first := rw.backupName(1)
		if err := os.Rename(rw.path, first); err != nil {
			if openErr := rw.open(); openErr != nil {
				return fmt.Errorf("rename failed (%v) and reopen failed: %w", err, openErr)
			}
			return fmt.Errorf("failed to rename log file: %w", err)
		}
		if rw.compress {
			rw.compressions.Add(1)
			go func() {
				defer rw.compressions.Done()
				gzipInPlace(first)
			}()
		}
	} else if err := os.Remove(rw.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove log file: %w", err)
	}

	return rw.open()
}

// shiftBackups moves <file>.i to <file>.i+1, dropping the oldest.
func (rw *RotatingWriter) shiftBackups() {
	if rw.maxBackups <= 0 {
		return
	}
	oldest := rw.backupName(rw.maxBackups)
	_ = os.Remove(oldest)
	_ = os.Remove(oldest + ".gz")

	for i := rw.maxBackups - 1; i >= 1; i-- {
		from, to := rw.backupName(i), rw.backupName(i+1)
		if _, err := os.Stat(from + ".gz"); err == nil {
			_ = os.Rename(from+".gz", to+".gz")
			continue
		}
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
}

func (rw *RotatingWriter) backupName(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}

// gzipInPlace replaces path with path.gz. The original is only removed once
// the compressed copy is complete.
func gzipInPlace(path string) {
	src, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apxctrl: compress %s: %v\n", path, err)
		return
	}
	defer func() { _ = src.Close() }()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apxctrl: compress %s: %v\n", path, err)
		return
	}

	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()
	if copyErr != nil || closeErr != nil || fileErr != nil {
		_ = os.Remove(dstPath)
		fmt.Fprintf(os.Stderr, "apxctrl: compress %s failed\n", path)
		return
	}

	_ = src.Close()
	_ = os.Remove(path)
}

// Close waits for pending compressions and closes the file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.compressions.Wait()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Size returns the number of bytes in the current file.
func (rw *RotatingWriter) Size() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.size
}

// Path returns the path of the active log file.
func (rw *RotatingWriter) Path() string {
	return rw.path
}
