package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/project"
)

// LaunchRequest describes the session to start.
type LaunchRequest struct {
	ProjectPath string `json:"project_path"`
	ProjectName string `json:"project_name,omitempty"`
	Mode        string `json:"apx_mode,omitempty"`
	Args        string `json:"apx_args,omitempty"`
}

// LaunchResult describes a launch attempt.
type LaunchResult struct {
	Project         *ProjectInfo `json:"project,omitempty"`
	PID             int          `json:"pid,omitempty"`
	Sequences       int          `json:"sequences"`
	Replaced        bool         `json:"replaced"`
	Warnings        []Warning    `json:"warnings,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
	State           State        `json:"state"`
}

// launchOutput is written by the launch job and handed to the caller, or
// closed by the job itself when the caller has already given up.
type launchOutput struct {
	mu        sync.Mutex
	abandoned bool
	inst      driver.Instrument
	sequences int
	warnings  []Warning
}

// Launch starts the instrument and loads a project. Any existing session is
// shut down first. The project file is checked before the driver is touched.
// On failure the controller is left in Error with the message recorded.
func (c *Controller) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	start := c.clock.Now()

	c.mu.Lock()
	if c.state == RunningStep || c.state == Starting {
		st := c.state
		c.unlock()
		return LaunchResult{State: st}, apxerrors.NewNotReadyError("launch", st.String())
	}
	prev := c.inst
	c.inst = nil
	c.pid = 0
	c.project = nil
	c.generation++
	gen := c.generation
	c.transitionLocked(Starting, "launch")
	c.unlock()

	logger := c.logger.WithSession(gen)
	result := LaunchResult{Replaced: prev != nil}

	if prev != nil {
		logger.Info("shutting down previous session before launch")
		closed := c.closeInstrument(ctx, prev, true)
		result.Warnings = append(result.Warnings, closed.Warnings...)
	}

	info, err := project.Inspect(req.ProjectPath, req.ProjectName, c.opts.HashAlgorithm, c.clock.Now())
	if err != nil {
		return c.failLaunch(gen, start, result, err)
	}

	mode := req.Mode
	if mode == "" {
		mode = c.opts.DefaultMode
	}
	args := req.Args
	if args == "" {
		args = c.opts.DefaultArgs
	}
	opts := driver.StartOptions{Mode: mode, Args: driver.ParseArgs(args)}

	out := &launchOutput{}
	err = c.worker.Do(ctx, "launch", func() error {
		return c.startInstrument(opts, info.FilePath, out)
	})

	out.mu.Lock()
	if err != nil {
		out.abandoned = true
	}
	inst := out.inst
	result.Sequences = out.sequences
	result.Warnings = append(result.Warnings, out.warnings...)
	out.mu.Unlock()

	if err != nil {
		if inst != nil {
			c.discard(ctx, inst)
		}
		return c.failLaunch(gen, start, result, err)
	}

	pid := c.readPID(ctx, inst)

	c.mu.Lock()
	if c.generation != gen {
		c.unlock()
		c.discard(ctx, inst)
		err := apxerrors.NewNotReadyError("launch", "superseded by shutdown or reset")
		return c.failLaunch(gen, start, result, err)
	}
	c.inst = inst
	c.pid = pid
	c.project = &info
	c.clearErrorLocked()
	c.transitionLocked(Idle, "launched")
	elapsed := c.clock.Now().Sub(start)
	c.emitLocked(event.NewLaunchedEvent(c.clock.Now(), true, info.Name, info.FilePath, info.ContentHash, pid, elapsed.Seconds(), ""))
	result.State = c.state
	c.unlock()

	p := info
	result.Project = &p
	result.PID = pid
	result.DurationSeconds = elapsed.Seconds()
	c.metrics.LaunchCompleted(true, elapsed)

	logger.Info("instrument launched",
		"project", info.Name,
		"path", info.FilePath,
		"hash", info.ShortHash(),
		"pid", pid,
		"sequences", result.Sequences,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// startInstrument runs on the worker. Failures after Start close the new
// instrument before returning so no handle leaks.
func (c *Controller) startInstrument(opts driver.StartOptions, path string, out *launchOutput) error {
	if err := c.drv.Initialize(); err != nil {
		return apxerrors.NewDriverError("Initialize", fmt.Errorf("%w: %v", apxerrors.ErrBridgeInit, err)).
			WithSeverity(apxerrors.SeverityCritical)
	}

	inst, err := c.drv.Start(opts)
	if err != nil {
		return driverError("Start", err)
	}

	var warnings []Warning
	if err := inst.SetVisible(c.opts.Visible); err != nil {
		c.logger.Warn("set visible failed", "error", err)
		warnings = append(warnings, warn("set_visible", err))
	}

	if err := inst.OpenProject(path); err != nil {
		if cerr := inst.Close(); cerr != nil {
			c.logger.Warn("close after failed open failed", "error", cerr)
		}
		return apxerrors.NewDriverError("OpenProject", err).WithDetail(path)
	}

	// Reading the sequences back confirms the load. Failing to introspect
	// does not mean the load failed.
	sequences := 0
	if names, err := inst.Sequences(); err != nil {
		c.logger.Warn("project load verification failed", "error", err)
		warnings = append(warnings, warn("verify_project", err))
	} else {
		sequences = len(names)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.abandoned {
		c.logger.Warn("launch abandoned by caller, closing instrument")
		_ = inst.Close()
		return nil
	}
	out.inst = inst
	out.sequences = sequences
	out.warnings = warnings
	return nil
}

// readPID asks the driver for the process ID without failing the launch.
func (c *Controller) readPID(ctx context.Context, inst driver.Instrument) int {
	pid := 0
	pctx, cancel := context.WithTimeout(ctx, c.opts.CloseGrace)
	defer cancel()
	err := c.worker.Do(pctx, "pid", func() error {
		pid = inst.PID()
		return nil
	})
	if err != nil {
		c.logger.Debug("reading instrument pid failed", "error", err)
		return 0
	}
	return pid
}

// discard closes an instrument that will not be installed. The job that
// produced inst may still hold the worker for a moment after handing it
// over, so discard waits up to the close grace for the worker to free up.
// The caller's deadline may already have passed, so it is not inherited.
func (c *Controller) discard(ctx context.Context, inst driver.Instrument) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CloseGrace)
	defer cancel()
	if err := c.worker.waitIdle(cctx); err != nil {
		c.logger.Warn("worker still busy, discarded instrument left open", "error", err)
		return
	}
	if err := c.worker.Do(cctx, "close", inst.Close); err != nil {
		c.logger.Warn("closing discarded instrument failed", "error", err)
	}
}

func (c *Controller) failLaunch(gen uint64, start time.Time, result LaunchResult, err error) (LaunchResult, error) {
	c.mu.Lock()
	if c.generation == gen {
		c.inst = nil
		c.pid = 0
		c.project = nil
		c.recordErrorLocked(err)
		c.transitionLocked(Error, "launch failed")
	}
	elapsed := c.clock.Now().Sub(start)
	c.emitLocked(event.NewLaunchedEvent(c.clock.Now(), false, "", "", "", 0, elapsed.Seconds(), err.Error()))
	result.State = c.state
	c.unlock()

	result.DurationSeconds = elapsed.Seconds()
	c.metrics.LaunchCompleted(false, elapsed)
	c.logger.WithSession(gen).Error("launch failed", "error", err, "kind", apxerrors.KindOf(err).String())
	return result, err
}

// driverError wraps a raw driver failure, leaving typed errors untouched.
func driverError(op string, err error) error {
	var apxErr apxerrors.ApxError
	if apxerrors.As(err, &apxErr) {
		return err
	}
	return apxerrors.NewDriverError(op, err)
}
