// Package session owns the lifecycle of the single instrument session: the
// state machine, every call into the automation driver, and the recovery
// paths that keep the recorded state consistent with the real process.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/clock"
	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/logging"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/structure"
)

// Supervisor terminates and looks up instrument processes by name pattern.
type Supervisor interface {
	KillAll(ctx context.Context, pattern string) (int, error)
	Alive(ctx context.Context, pattern string) (bool, error)
}

// Archiver packages result directories.
type Archiver interface {
	Archive(ctx context.Context, prefix string) (results.Archive, error)
}

// Options configures a Controller. Driver, Supervisor and Archiver are
// required; everything else has a usable zero value.
type Options struct {
	Driver     driver.Driver
	Supervisor Supervisor
	Archiver   Archiver
	Bus        *event.Bus
	Metrics    Metrics
	Clock      clock.Clock
	Logger     *logging.Logger

	// ProcessPattern matches instrument process names for kill and liveness checks.
	ProcessPattern string
	// DefaultMode and DefaultArgs apply when a launch request leaves them empty.
	DefaultMode string
	DefaultArgs string
	// Visible shows the instrument window after start.
	Visible bool
	// CloseGrace bounds a graceful close. Zero means one second.
	CloseGrace time.Duration
	// RunTimeout applies to runs that pass no timeout. Zero means two minutes.
	RunTimeout time.Duration
	// HashAlgorithm is the project digest, "sha256" or "blake3".
	HashAlgorithm string
	// CheckProcess makes HealthCheck confirm a matching process exists.
	CheckProcess bool
	// CheckTimeout bounds the process check. Zero means two seconds.
	CheckTimeout time.Duration
}

const (
	defaultCloseGrace   = time.Second
	defaultRunTimeout   = 2 * time.Minute
	defaultCheckTimeout = 2 * time.Second
	defaultPattern      = "*APx500*"
	defaultMode         = "SequenceMode"
)

// Controller drives one instrument session.
//
// mu guards the fields below it and is never held across a driver call.
// Driver calls run on worker. generation increases on every Launch,
// Shutdown and Reset; work started under an older generation never writes
// state back.
type Controller struct {
	opts       Options
	drv        driver.Driver
	sup        Supervisor
	archiver   Archiver
	enumerator *structure.Enumerator
	bus        *event.Bus
	metrics    Metrics
	clock      clock.Clock
	logger     *logging.Logger
	worker     *worker

	mu          sync.Mutex
	state       State
	inst        driver.Instrument
	pid         int
	project     *ProjectInfo
	lastErr     error
	lastError   string
	lastErrorAt time.Time
	startedAt   time.Time
	generation  uint64
	pending     []event.Event
}

// New creates a Controller in the NotRunning state.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(opts.Logger)
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.ProcessPattern == "" {
		opts.ProcessPattern = defaultPattern
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = defaultMode
	}

	logger := opts.Logger.WithComponent("session")
	return &Controller{
		opts:       opts,
		drv:        opts.Driver,
		sup:        opts.Supervisor,
		archiver:   opts.Archiver,
		enumerator: structure.NewEnumerator(opts.Logger, opts.Clock.Now),
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     logger,
		worker:     newWorker(),
		state:      NotRunning,
		startedAt:  opts.Clock.Now(),
	}
}

// Bus returns the bus the controller publishes to.
func (c *Controller) Bus() *event.Bus { return c.bus }

// Close stops the driver worker after any in-flight call returns. It does
// not touch the instrument; call Shutdown first.
func (c *Controller) Close() {
	c.worker.stop()
}

// unlock releases mu and publishes the events queued while it was held.
func (c *Controller) unlock() {
	events := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.bus.Publish(events...)
}

func (c *Controller) emitLocked(e event.Event) {
	c.pending = append(c.pending, e)
}

func (c *Controller) transitionLocked(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.StateChanged(from.String(), to.String())
	c.emitLocked(event.NewStateChangedEvent(c.clock.Now(), from.String(), to.String(), reason, c.generation))
	c.logger.Info("state changed", "from", from.String(), "to", to.String(), "reason", reason, "generation", c.generation)
}

func (c *Controller) recordErrorLocked(err error) {
	c.lastErr = err
	c.lastError = err.Error()
	c.lastErrorAt = c.clock.Now()
}

func (c *Controller) clearErrorLocked() {
	c.lastErr = nil
	c.lastError = ""
	c.lastErrorAt = time.Time{}
}

// notReadyLocked explains why op cannot run now. In Error the recorded
// failure is attached so callers can tell a lost instrument from a failed
// launch.
func (c *Controller) notReadyLocked(op string) *apxerrors.NotReadyError {
	err := apxerrors.NewNotReadyError(op, c.state.String())
	if c.state == Error && c.lastErr != nil {
		err = err.WithCause(c.lastErr)
	}
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	s := Snapshot{
		State:      c.state,
		LastError:  c.lastError,
		StartedAt:  c.startedAt,
		Generation: c.generation,
		Uptime:     now.Sub(c.startedAt),
	}
	s.UptimeSeconds = s.Uptime.Seconds()
	if c.project != nil {
		p := *c.project
		s.Project = &p
	}
	if !c.lastErrorAt.IsZero() {
		t := c.lastErrorAt
		s.LastErrorAt = &t
	}
	if c.inst != nil {
		s.InstrumentPID = c.pid
	}
	return s
}

// ShutdownResult reports how a session was ended.
type ShutdownResult struct {
	Graceful bool      `json:"graceful"`
	Killed   int       `json:"killed"`
	Warnings []Warning `json:"warnings,omitempty"`
	State    State     `json:"state"`
}

// Shutdown ends the session. The instrument is closed through the driver
// within the close grace period; if that fails and force is set, matching
// processes are killed. The controller is NotRunning afterwards in every
// case.
func (c *Controller) Shutdown(ctx context.Context, force bool) ShutdownResult {
	c.mu.Lock()
	inst := c.inst
	c.inst = nil
	c.pid = 0
	c.project = nil
	c.generation++
	c.transitionLocked(NotRunning, "shutdown")
	c.unlock()

	res := c.closeInstrument(ctx, inst, force)

	c.mu.Lock()
	res.State = c.state
	c.emitLocked(event.NewShutdownEvent(c.clock.Now(), res.Graceful, res.Killed))
	c.unlock()

	c.logger.Info("session shut down", "graceful", res.Graceful, "killed", res.Killed, "force", force)
	return res
}

// closeInstrument closes inst on the worker and escalates to the supervisor
// when that fails and force is set. A nil inst counts as a graceful close.
func (c *Controller) closeInstrument(ctx context.Context, inst driver.Instrument, force bool) ShutdownResult {
	var res ShutdownResult
	if inst == nil {
		res.Graceful = true
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.CloseGrace)
	err := c.worker.Do(cctx, "close", func() error {
		if err := inst.Close(); err != nil {
			return driverError("Close", err)
		}
		return nil
	})
	cancel()

	if err == nil {
		res.Graceful = true
		return res
	}

	c.logger.Warn("graceful close failed", "error", err, "force", force)
	res.Warnings = append(res.Warnings, warn("close", err))
	if !force {
		return res
	}

	killed, err := c.sup.KillAll(ctx, c.opts.ProcessPattern)
	if err != nil {
		c.logger.Warn("force kill failed", "error", err)
		res.Warnings = append(res.Warnings, warn("kill", err))
	}
	res.Killed = killed
	c.metrics.ProcessesKilled("shutdown", killed)
	return res
}

// Reset kills every process matching the instrument pattern, whether or not
// this controller launched it, and clears all session state including the
// last error. It returns the number of processes killed.
func (c *Controller) Reset(ctx context.Context) int {
	c.mu.Lock()
	inst := c.inst
	c.inst = nil
	c.pid = 0
	c.project = nil
	c.clearErrorLocked()
	c.generation++
	c.transitionLocked(NotRunning, "reset")
	c.unlock()

	killed, err := c.sup.KillAll(ctx, c.opts.ProcessPattern)
	if err != nil {
		c.logger.Warn("reset kill failed", "error", err)
		killed = 0
	}
	c.metrics.ProcessesKilled("reset", killed)

	// The handle may not be backed by a matching process. Release it if the
	// driver is free, without waiting on a call that is still running.
	if inst != nil && !c.worker.Busy() {
		cctx, cancel := context.WithTimeout(ctx, c.opts.CloseGrace)
		if err := c.worker.Do(cctx, "close", inst.Close); err != nil {
			c.logger.Debug("close after reset failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.emitLocked(event.NewResetEvent(c.clock.Now(), killed))
	c.unlock()

	c.logger.Info("session reset", "killed", killed)
	return killed
}

// HealthCheck reconciles the recorded state with the instrument and reports
// whether the session is healthy. A session that claims to be Idle or
// RunningStep without a handle, or whose process has vanished when process
// probing is enabled, is moved to Error. It never blocks on a driver call.
func (c *Controller) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	if (c.state == Idle || c.state == RunningStep) && c.inst == nil {
		c.lostLocked(apxerrors.ErrHandleLost)
		c.unlock()
		c.metrics.HealthChecked(false)
		return false
	}
	st, gen, hasInst := c.state, c.generation, c.inst != nil
	c.unlock()

	if st == Error {
		c.metrics.HealthChecked(false)
		return false
	}

	if c.opts.CheckProcess && st == Idle && hasInst {
		pctx, cancel := context.WithTimeout(ctx, c.opts.CheckTimeout)
		alive, err := c.sup.Alive(pctx, c.opts.ProcessPattern)
		cancel()
		if err != nil {
			c.logger.Debug("process check failed", "error", err)
		} else if !alive {
			c.mu.Lock()
			lost := c.generation == gen && c.state == Idle
			if lost {
				c.lostLocked(apxerrors.ErrNoInstrument)
			}
			c.unlock()
			if lost {
				c.metrics.HealthChecked(false)
				return false
			}
		}
	}

	c.metrics.HealthChecked(true)
	return true
}

// lostLocked drops the handle and moves to Error, recording a
// ProcessLostError with the last known pid. cause is ErrHandleLost or
// ErrNoInstrument.
func (c *Controller) lostLocked(cause error) {
	lost := apxerrors.NewProcessLostError("health check").WithCause(cause).WithPID(c.pid)
	reason := cause.Error()
	c.inst = nil
	c.pid = 0
	c.recordErrorLocked(lost)
	c.transitionLocked(Error, reason)
	c.emitLocked(event.NewHealthLostEvent(c.clock.Now(), reason))
	c.logger.Error("instrument lost", "reason", reason, "pid", lost.PID)
}
