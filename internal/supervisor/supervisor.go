// Package supervisor finds and terminates instrument processes by name
// pattern. It is the last-resort cleanup path when the automation driver
// cannot close the instrument itself.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// Process is one entry of the OS process table.
type Process struct {
	PID  int32
	Name string
}

// ProcessTable is the OS process primitive the supervisor relies on.
type ProcessTable interface {
	// List returns every process visible to the caller. Entries whose name
	// cannot be read may be omitted.
	List(ctx context.Context) ([]Process, error)

	// Kill forcibly terminates the process.
	Kill(ctx context.Context, pid int32) error
}

// Supervisor matches and terminates processes through a ProcessTable.
type Supervisor struct {
	table  ProcessTable
	logger *logging.Logger
	self   int32
}

// New creates a Supervisor. A nil logger discards output.
func New(table ProcessTable, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Supervisor{
		table:  table,
		logger: logger.WithComponent("supervisor"),
		self:   int32(os.Getpid()),
	}
}

// compilePattern builds a case-insensitive matcher for process names.
func compilePattern(pattern string) (glob.Glob, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, apxerrors.NewValidationError("process pattern is required").WithField("pattern")
	}
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return nil, apxerrors.NewValidationError("invalid process pattern").
			WithField("pattern").WithValue(pattern).WithCause(err)
	}
	return g, nil
}

// FindByNamePattern returns the PIDs of processes whose name matches the
// glob pattern, ignoring case. The calling process is never included.
func (s *Supervisor) FindByNamePattern(ctx context.Context, pattern string) ([]int32, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	procs, err := s.table.List(ctx)
	if err != nil {
		return nil, apxerrors.Wrap(err, "list processes")
	}

	var pids []int32
	for _, p := range procs {
		if p.PID == s.self {
			continue
		}
		if g.Match(strings.ToLower(p.Name)) {
			pids = append(pids, p.PID)
		}
	}
	return pids, nil
}

// Terminate forcibly stops a single process.
func (s *Supervisor) Terminate(ctx context.Context, pid int32) error {
	if err := s.table.Kill(ctx, pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

// KillAll terminates every process matching pattern and returns how many
// were terminated. Failures on individual processes are logged and skipped;
// only a failure to enumerate processes is returned.
func (s *Supervisor) KillAll(ctx context.Context, pattern string) (int, error) {
	pids, err := s.FindByNamePattern(ctx, pattern)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, pid := range pids {
		if err := s.Terminate(ctx, pid); err != nil {
			s.logger.Warn("failed to terminate process", "pid", pid, "error", err)
			continue
		}
		s.logger.Info("terminated process", "pid", pid, "pattern", pattern)
		killed++
	}
	return killed, nil
}

// Alive reports whether at least one process matches pattern.
func (s *Supervisor) Alive(ctx context.Context, pattern string) (bool, error) {
	pids, err := s.FindByNamePattern(ctx, pattern)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}
