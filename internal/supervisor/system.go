package supervisor

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemTable is the ProcessTable backed by the host OS.
type SystemTable struct{}

// List enumerates host processes. Processes that exit or deny access while
// being read are skipped.
func (SystemTable) List(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out = append(out, Process{PID: p.Pid, Name: name})
	}
	return out, nil
}

// Kill terminates pid with SIGKILL on Unix and TerminateProcess on Windows.
func (SystemTable) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
