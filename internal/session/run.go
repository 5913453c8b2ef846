package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/structure"
)

// RunResult is the outcome of running a sequence.
type RunResult struct {
	RunID           string  `json:"run_id"`
	Sequence        string  `json:"sequence_name"`
	Passed          bool    `json:"passed"`
	DurationSeconds float64 `json:"duration_seconds"`
	State           State   `json:"state"`
}

// MeasurementResult is the outcome of running one measurement. Passed is
// only meaningful when Success is true.
type MeasurementResult struct {
	Name            string             `json:"name"`
	SignalPath      string             `json:"signal_path"`
	Success         bool               `json:"success"`
	Passed          bool               `json:"passed"`
	DurationSeconds float64            `json:"duration_seconds"`
	Error           string             `json:"error,omitempty"`
	MeterValues     map[string]float64 `json:"meter_values,omitempty"`
	LowerLimits     map[string]float64 `json:"lower_limits,omitempty"`
	UpperLimits     map[string]float64 `json:"upper_limits,omitempty"`
}

// SignalPathResult is the outcome of running every checked measurement of a
// signal path.
type SignalPathResult struct {
	RunID           string              `json:"run_id"`
	SignalPath      string              `json:"signal_path"`
	Results         []MeasurementResult `json:"results"`
	Passed          bool                `json:"passed"`
	Failed          int                 `json:"failed"`
	DurationSeconds float64             `json:"duration_seconds"`
	State           State               `json:"state"`
}

// StructureResult is an enumeration of the loaded project.
type StructureResult struct {
	Tree     structure.Tree   `json:"tree"`
	Totals   structure.Totals `json:"totals"`
	Warnings []Warning        `json:"warnings,omitempty"`
	State    State            `json:"state"`
}

// beginRun moves Idle to RunningStep and returns the handle and generation
// the run belongs to.
func (c *Controller) beginRun(op string) (driver.Instrument, uint64, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != Idle || c.inst == nil {
		return nil, 0, c.notReadyLocked(op)
	}
	if c.worker.Busy() {
		return nil, 0, apxerrors.NewNotReadyError(op, "instrument busy").WithCause(apxerrors.ErrWorkerBusy)
	}
	c.transitionLocked(RunningStep, op)
	return c.inst, c.generation, nil
}

// endRun returns the session to Idle unless a Shutdown or Reset replaced it
// while the run was in flight. A failure is recorded but never moves the
// session to Error: the instrument is still usable.
func (c *Controller) endRun(gen uint64, runErr error, done event.RunCompletedEvent) State {
	c.mu.Lock()
	defer c.unlock()
	if c.generation == gen {
		if runErr != nil {
			c.recordErrorLocked(runErr)
		}
		c.transitionLocked(Idle, "run finished")
	}
	c.emitLocked(done)
	return c.state
}

func (c *Controller) runTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.opts.RunTimeout
	}
	return timeout
}

func outcome(err error, passed bool) string {
	switch {
	case err == nil && passed:
		return OutcomePassed
	case err == nil:
		return OutcomeFailed
	case apxerrors.KindOf(err) == apxerrors.KindTimeout:
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// activate makes the named sequence active, reporting an unknown name as
// NotFound when the sequence list can be read.
func activate(inst driver.Instrument, name string) error {
	if names, err := inst.Sequences(); err == nil && !slices.Contains(names, name) {
		return apxerrors.NewNotFoundError("sequence", name).WithCause(apxerrors.ErrSequenceNotFound)
	}
	if err := inst.ActivateSequence(name); err != nil {
		return apxerrors.NewDriverError("ActivateSequence", err).WithDetail(name)
	}
	return nil
}

// RunSequence activates the named sequence and runs it, tagging results with
// correlationID (a new UUID when empty). A zero timeout uses the configured
// run timeout. Whatever the outcome the session returns to Idle.
func (c *Controller) RunSequence(ctx context.Context, name, correlationID string, timeout time.Duration) (RunResult, error) {
	if strings.TrimSpace(name) == "" {
		return RunResult{State: c.State()}, apxerrors.NewValidationError("sequence name is required").WithField("sequence_name")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	inst, gen, err := c.beginRun("run sequence")
	if err != nil {
		return RunResult{RunID: correlationID, Sequence: name, State: c.State()}, err
	}

	logger := c.logger.WithSession(gen).WithRun(correlationID)
	logger.Info("running sequence", "sequence", name)

	start := c.clock.Now()
	rctx, cancel := context.WithTimeout(ctx, c.runTimeout(timeout))
	var passed bool
	err = c.worker.Do(rctx, "run sequence", func() error {
		if err := activate(inst, name); err != nil {
			return err
		}
		p, err := inst.RunSequence(correlationID)
		if err != nil {
			return apxerrors.NewDriverError("RunSequence", err).WithDetail(name)
		}
		passed = p
		return nil
	})
	cancel()
	elapsed := c.clock.Now().Sub(start)

	// An abandoned job may still write its output, so read it only on success.
	result := RunResult{
		RunID:           correlationID,
		Sequence:        name,
		DurationSeconds: elapsed.Seconds(),
	}
	if err == nil {
		result.Passed = passed
	}
	result.State = c.endRun(gen, err, event.NewRunCompletedEvent(c.clock.Now(), correlationID,
		event.RunKindSequence, name, err == nil, result.Passed, elapsed.Seconds(), errString(err)))

	c.metrics.RunCompleted(string(event.RunKindSequence), outcome(err, result.Passed), elapsed)
	if err != nil {
		logger.Error("sequence run failed", "sequence", name, "error", err, "duration_seconds", result.DurationSeconds)
		return result, err
	}
	logger.Info("sequence run completed", "sequence", name, "passed", result.Passed, "duration_seconds", result.DurationSeconds)
	return result, nil
}

func measurementResult(signalPath, name string, r driver.Reading, err error, elapsed time.Duration) MeasurementResult {
	mr := MeasurementResult{
		Name:            name,
		SignalPath:      signalPath,
		Success:         err == nil,
		DurationSeconds: elapsed.Seconds(),
	}
	if err != nil {
		mr.Error = err.Error()
		return mr
	}
	mr.Passed = r.Passed
	mr.MeterValues = r.MeterValues
	mr.LowerLimits = r.LowerLimits
	mr.UpperLimits = r.UpperLimits
	return mr
}

// RunMeasurement runs one measurement of the active sequence. A measurement
// that completes but fails its limits is a successful run with Passed false.
func (c *Controller) RunMeasurement(ctx context.Context, signalPath, measurement string, timeout time.Duration) (MeasurementResult, error) {
	if strings.TrimSpace(signalPath) == "" {
		return MeasurementResult{}, apxerrors.NewValidationError("signal path name is required").WithField("signal_path")
	}
	if strings.TrimSpace(measurement) == "" {
		return MeasurementResult{}, apxerrors.NewValidationError("measurement name is required").WithField("measurement")
	}

	inst, gen, err := c.beginRun("run measurement")
	if err != nil {
		return MeasurementResult{Name: measurement, SignalPath: signalPath}, err
	}

	runID := uuid.NewString()
	logger := c.logger.WithSession(gen).WithRun(runID)
	target := signalPath + "/" + measurement

	start := c.clock.Now()
	rctx, cancel := context.WithTimeout(ctx, c.runTimeout(timeout))
	var reading driver.Reading
	err = c.worker.Do(rctx, "run measurement", func() error {
		sp, m, err := structure.FindMeasurement(inst, signalPath, measurement)
		if err != nil {
			return err
		}
		r, err := inst.RunMeasurement(sp, m)
		if err != nil {
			return apxerrors.NewDriverError("RunMeasurement", err).WithDetail(target)
		}
		reading = r
		return nil
	})
	cancel()
	elapsed := c.clock.Now().Sub(start)

	var r driver.Reading
	if err == nil {
		r = reading
	}
	mr := measurementResult(signalPath, measurement, r, err, elapsed)
	c.endRun(gen, err, event.NewRunCompletedEvent(c.clock.Now(), runID,
		event.RunKindMeasurement, target, mr.Success, mr.Passed, elapsed.Seconds(), mr.Error))
	c.metrics.RunCompleted(string(event.RunKindMeasurement), outcome(err, mr.Passed), elapsed)

	if err != nil {
		logger.Error("measurement run failed", "target", target, "error", err)
		return mr, err
	}
	logger.Info("measurement run completed", "target", target, "passed", mr.Passed)
	return mr, nil
}

// current reports whether gen is still the live session.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// plan resolves signal paths and their checked measurements on the worker.
func (c *Controller) plan(ctx context.Context, op string, timeout time.Duration, resolve func() ([]structure.SignalPath, error)) ([]structure.SignalPath, error) {
	pctx, cancel := context.WithTimeout(ctx, c.runTimeout(timeout))
	defer cancel()
	var paths []structure.SignalPath
	err := c.worker.Do(pctx, op, func() error {
		p, err := resolve()
		if err != nil {
			return err
		}
		paths = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// measurePath runs the measurements of path one worker call at a time, each
// under its own deadline. A measurement that fails or times out is recorded
// and the rest still run. It stops early only when the session was replaced.
func (c *Controller) measurePath(ctx context.Context, inst driver.Instrument, gen uint64, path structure.SignalPath, timeout time.Duration) ([]MeasurementResult, error) {
	out := make([]MeasurementResult, 0, len(path.Measurements))
	for _, m := range path.Measurements {
		if !c.current(gen) {
			return out, apxerrors.NewNotReadyError("run measurement", "superseded by shutdown or reset")
		}
		target := path.Name + "/" + m.Name

		t0 := c.clock.Now()
		mctx, cancel := context.WithTimeout(ctx, c.runTimeout(timeout))
		var reading driver.Reading
		err := c.worker.Do(mctx, "run measurement", func() error {
			r, err := inst.RunMeasurement(path.Index, m.Index)
			if err != nil {
				return apxerrors.NewDriverError("RunMeasurement", err).WithDetail(target)
			}
			reading = r
			return nil
		})
		cancel()

		var r driver.Reading
		if err == nil {
			r = reading
		} else {
			c.logger.Warn("measurement failed", "target", target, "error", err)
		}
		out = append(out, measurementResult(path.Name, m.Name, r, err, c.clock.Now().Sub(t0)))
	}
	return out, nil
}

// tally summarizes measurement results. firstFailure is the first
// measurement that did not run to completion.
func tally(results []MeasurementResult) (passed bool, failed int, firstFailure error) {
	passed = len(results) > 0
	for _, mr := range results {
		if !mr.Success || !mr.Passed {
			passed = false
			failed++
		}
		if !mr.Success && firstFailure == nil {
			firstFailure = apxerrors.New(mr.Name + ": " + mr.Error)
		}
	}
	return passed, failed, firstFailure
}

// RunSignalPath runs every checked measurement of the named signal path in
// the active sequence. The timeout applies to each measurement. A failing
// or timed-out measurement does not stop the others; the first failure is
// recorded as the session's last error.
func (c *Controller) RunSignalPath(ctx context.Context, signalPath string, timeout time.Duration) (SignalPathResult, error) {
	if strings.TrimSpace(signalPath) == "" {
		return SignalPathResult{State: c.State()}, apxerrors.NewValidationError("signal path name is required").WithField("signal_path")
	}

	inst, gen, err := c.beginRun("run signal path")
	if err != nil {
		return SignalPathResult{SignalPath: signalPath, State: c.State()}, err
	}

	runID := uuid.NewString()
	logger := c.logger.WithSession(gen).WithRun(runID)

	start := c.clock.Now()
	var measured []MeasurementResult
	paths, err := c.plan(ctx, "run signal path", timeout, func() ([]structure.SignalPath, error) {
		sp, info, err := structure.FindSignalPath(inst, signalPath)
		if err != nil {
			return nil, err
		}
		checked, err := structure.CheckedMeasurements(inst, sp)
		if err != nil {
			return nil, err
		}
		return []structure.SignalPath{{Index: sp, Name: info.Name, Checked: info.Checked, Measurements: checked}}, nil
	})
	if err == nil {
		measured, err = c.measurePath(ctx, inst, gen, paths[0], timeout)
	}
	elapsed := c.clock.Now().Sub(start)

	result := SignalPathResult{
		RunID:           runID,
		SignalPath:      signalPath,
		Results:         measured,
		DurationSeconds: elapsed.Seconds(),
	}
	var firstFailure error
	result.Passed, result.Failed, firstFailure = tally(measured)
	if err != nil {
		result.Passed = false
	}

	recorded := err
	if recorded == nil {
		recorded = firstFailure
	}
	result.State = c.endRun(gen, recorded, event.NewRunCompletedEvent(c.clock.Now(), runID,
		event.RunKindSignalPath, signalPath, err == nil, result.Passed, elapsed.Seconds(), errString(recorded)))
	c.metrics.RunCompleted(string(event.RunKindSignalPath), outcome(err, result.Passed), elapsed)

	if err != nil {
		logger.Error("signal path run failed", "signal_path", signalPath, "error", err)
		return result, err
	}
	logger.Info("signal path run completed",
		"signal_path", signalPath,
		"measurements", len(result.Results),
		"failed", result.Failed,
		"passed", result.Passed,
	)
	return result, nil
}

// PathResults is the outcome of one signal path within RunAll.
type PathResults struct {
	SignalPath string              `json:"signal_path"`
	Results    []MeasurementResult `json:"results"`
	Passed     bool                `json:"passed"`
	Failed     int                 `json:"failed"`
}

// RunAllResult is the outcome of running every checked measurement of every
// checked signal path in the active sequence.
type RunAllResult struct {
	RunID               string        `json:"run_id"`
	SignalPaths         []PathResults `json:"signal_paths"`
	SignalPathsRun      int           `json:"signal_paths_run"`
	MeasurementsRun     int           `json:"measurements_run"`
	MeasurementsPassed  int           `json:"measurements_passed"`
	MeasurementsFailed  int           `json:"measurements_failed"`
	MeasurementsErrored int           `json:"measurements_errored"`
	AllPassed           bool          `json:"all_passed"`
	DurationSeconds     float64       `json:"duration_seconds"`
	State               State         `json:"state"`
}

// RunAll runs every checked measurement of every checked signal path in the
// active sequence, in order. The timeout applies to each measurement.
// Failures are collected per measurement and never stop the run.
func (c *Controller) RunAll(ctx context.Context, timeout time.Duration) (RunAllResult, error) {
	inst, gen, err := c.beginRun("run all")
	if err != nil {
		return RunAllResult{State: c.State()}, err
	}

	runID := uuid.NewString()
	logger := c.logger.WithSession(gen).WithRun(runID)
	logger.Info("running all checked measurements")

	start := c.clock.Now()
	result := RunAllResult{RunID: runID}
	paths, err := c.plan(ctx, "run all", timeout, func() ([]structure.SignalPath, error) {
		return structure.CheckedSignalPaths(inst)
	})

	var firstFailure error
	for _, path := range paths {
		measured, merr := c.measurePath(ctx, inst, gen, path, timeout)
		pr := PathResults{SignalPath: path.Name, Results: measured}
		var pathFailure error
		pr.Passed, pr.Failed, pathFailure = tally(measured)
		if firstFailure == nil {
			firstFailure = pathFailure
		}
		result.SignalPaths = append(result.SignalPaths, pr)
		if merr != nil {
			err = merr
			break
		}
	}

	for _, pr := range result.SignalPaths {
		for _, mr := range pr.Results {
			result.MeasurementsRun++
			switch {
			case !mr.Success:
				result.MeasurementsErrored++
			case mr.Passed:
				result.MeasurementsPassed++
			default:
				result.MeasurementsFailed++
			}
		}
	}
	result.SignalPathsRun = len(result.SignalPaths)
	result.AllPassed = err == nil && result.MeasurementsRun > 0 && result.MeasurementsPassed == result.MeasurementsRun
	elapsed := c.clock.Now().Sub(start)
	result.DurationSeconds = elapsed.Seconds()

	recorded := err
	if recorded == nil {
		recorded = firstFailure
	}
	result.State = c.endRun(gen, recorded, event.NewRunCompletedEvent(c.clock.Now(), runID,
		event.RunKindAll, "", err == nil, result.AllPassed, elapsed.Seconds(), errString(recorded)))
	c.metrics.RunCompleted(string(event.RunKindAll), outcome(err, result.AllPassed), elapsed)

	if err != nil {
		logger.Error("run all failed", "error", err)
		return result, err
	}
	logger.Info("run all completed",
		"signal_paths", result.SignalPathsRun,
		"measurements", result.MeasurementsRun,
		"passed", result.MeasurementsPassed,
		"failed", result.MeasurementsFailed,
		"errored", result.MeasurementsErrored,
	)
	return result, nil
}

// requireIdle returns the live handle when the session can accept a
// non-run driver call.
func (c *Controller) requireIdle(op string) (driver.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle || c.inst == nil {
		return nil, c.notReadyLocked(op)
	}
	return c.inst, nil
}

// ListStructure enumerates the loaded project. It requires an Idle session
// and returns NotReady otherwise.
func (c *Controller) ListStructure(ctx context.Context) (StructureResult, error) {
	inst, err := c.requireIdle("list structure")
	if err != nil {
		return StructureResult{State: c.State()}, err
	}

	lctx, cancel := context.WithTimeout(ctx, c.opts.RunTimeout)
	defer cancel()

	var (
		tree     structure.Tree
		warnings []string
	)
	err = c.worker.Do(lctx, "list structure", func() error {
		t, w, err := c.enumerator.Enumerate(inst)
		tree, warnings = t, w
		return err
	})

	res := StructureResult{State: c.State()}
	if err != nil {
		c.logger.Error("structure enumeration failed", "error", err)
		return res, err
	}
	res.Tree = tree
	res.Totals = tree.Totals()
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, Warning{Step: "restore_active_sequence", Message: w})
	}
	c.logger.Info("listed structure",
		"sequences", res.Totals.Sequences,
		"signal_paths", res.Totals.SignalPaths,
		"measurements", res.Totals.Measurements,
	)
	return res, nil
}

// SetVariable sets a user-defined project variable. Driver failures are
// returned and leave the state unchanged.
func (c *Controller) SetVariable(ctx context.Context, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return apxerrors.NewValidationError("variable name is required").WithField("variable_name")
	}
	inst, err := c.requireIdle("set variable")
	if err != nil {
		return err
	}

	vctx, cancel := context.WithTimeout(ctx, c.opts.RunTimeout)
	defer cancel()
	err = c.worker.Do(vctx, "set variable", func() error {
		if err := inst.SetVariable(name, value); err != nil {
			return apxerrors.NewDriverError("SetVariable", err).WithDetail(name)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("set variable failed", "name", name, "error", err)
		return err
	}
	c.logger.Info("variable set", "name", name, "value", value)
	return nil
}

// GetResult locates the result directory for prefix and archives it. It
// does not need a live instrument.
func (c *Controller) GetResult(ctx context.Context, prefix string) (results.Archive, error) {
	start := c.clock.Now()
	archive, err := c.archiver.Archive(ctx, prefix)
	if err != nil {
		c.logger.Warn("get result failed", "prefix", prefix, "error", err)
		return results.Archive{}, err
	}
	elapsed := c.clock.Now().Sub(start)
	c.metrics.ArchiveCreated(archive.SizeBytes, elapsed)
	c.bus.Publish(event.NewResultArchivedEvent(c.clock.Now(), archive.DirName, archive.Path, archive.SizeBytes))
	c.logger.Info("result archived", "dir", archive.DirName, "size_bytes", archive.SizeBytes, "files", archive.Files)
	return archive, nil
}
