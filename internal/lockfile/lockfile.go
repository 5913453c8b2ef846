// Package lockfile keeps a second control server on the same host from
// driving the instrument while another one owns it.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// FileName is the default lock file name.
const FileName = "server.lock"

// ErrLocked is returned when another live server holds the lock.
var ErrLocked = errors.New("instrument is controlled by another server")

// Lock records the server that owns the instrument.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// processAlive is replaced in tests.
var processAlive = func(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// Acquire creates the lock at path for the server listening on addr. A lock
// left by a dead process is removed first. The logger may be nil.
func Acquire(path, addr string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("lockfile")

	if existing, err := Read(path); err == nil {
		if processAlive(existing.PID) {
			logger.Error("failed to acquire lock", "path", path, "owner_pid", existing.PID, "owner_addr", existing.Addr)
			return nil, existing.lockedError()
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale lock cleaned", "path", path, "old_pid", existing.PID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Addr:      addr,
		StartedAt: time.Now(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly to a server starting at the same time.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := Read(path); readErr == nil {
				return nil, existing.lockedError()
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Info("server lock acquired", "path", path, "pid", lock.PID)
	return lock, nil
}

func (l *Lock) lockedError() error {
	return fmt.Errorf("%w: PID %d on %s (%s)", ErrLocked, l.PID, l.Hostname, l.Addr)
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := Read(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("server lock released", "path", l.path)
	}
	return nil
}

// Read parses the lock file at path.
func Read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.path = path
	return &lock, nil
}

// Held reports the lock at path and whether its owner is alive.
func Held(path string) (*Lock, bool) {
	lock, err := Read(path)
	if err != nil {
		return nil, false
	}
	return lock, processAlive(lock.PID)
}
