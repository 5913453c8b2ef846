// Package sim is an in-process stand-in for the instrument automation
// driver. It serves a project structure from a Profile and produces canned
// outcomes, so the control server can run on hosts without the instrument
// software installed.
package sim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

// Driver is a simulated driver.Driver.
type Driver struct {
	profile *Profile

	mu          sync.Mutex
	initialized bool
	starts      int
}

// New returns a Driver serving profile, or DefaultProfile when nil.
func New(profile *Profile) *Driver {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Driver{profile: profile}
}

// Initialize marks the bridge as ready.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}
	if err := d.profile.failure("Initialize"); err != nil {
		return err
	}
	d.initialized = true
	return nil
}

// Start returns a new simulated instrument.
func (d *Driver) Start(opts driver.StartOptions) (driver.Instrument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil, errors.New("automation bridge not initialized")
	}
	if err := d.profile.failure("Start"); err != nil {
		return nil, err
	}
	d.starts++
	return &Instrument{
		profile:   d.profile,
		mode:      opts.Mode,
		args:      append([]string(nil), opts.Args...),
		variables: make(map[string]string),
	}, nil
}

// Starts returns how many instruments have been started.
func (d *Driver) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (p *Profile) failure(op string) error {
	if msg, ok := p.Failures[op]; ok {
		return fmt.Errorf("%s: %s", op, msg)
	}
	return nil
}

// Instrument is a simulated driver.Instrument.
type Instrument struct {
	profile *Profile
	mode    string
	args    []string

	mu        sync.Mutex
	visible   bool
	project   string
	active    int
	closed    bool
	variables map[string]string
}

var errClosed = errors.New("instrument application closed")
var errNoProject = errors.New("no project open")

// check must be called with mu held.
func (in *Instrument) check(op string, needProject bool) error {
	if in.closed {
		return errClosed
	}
	if needProject && in.project == "" {
		return errNoProject
	}
	return in.profile.failure(op)
}

func (in *Instrument) SetVisible(visible bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("SetVisible", false); err != nil {
		return err
	}
	in.visible = visible
	return nil
}

func (in *Instrument) OpenProject(path string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("OpenProject", false); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open project: %w", err)
	}
	in.project = path
	in.active = 0
	if in.profile.Active != "" {
		if idx := in.indexOf(in.profile.Active); idx >= 0 {
			in.active = idx
		}
	}
	return nil
}

func (in *Instrument) indexOf(name string) int {
	for i, s := range in.profile.Sequences {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (in *Instrument) Sequences() ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("Sequences", true); err != nil {
		return nil, err
	}
	names := make([]string, len(in.profile.Sequences))
	for i, s := range in.profile.Sequences {
		names[i] = s.Name
	}
	return names, nil
}

func (in *Instrument) ActiveSequence() (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("ActiveSequence", true); err != nil {
		return "", err
	}
	return in.profile.Sequences[in.active].Name, nil
}

func (in *Instrument) ActivateSequence(name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("ActivateSequence", true); err != nil {
		return err
	}
	idx := in.indexOf(name)
	if idx < 0 {
		return fmt.Errorf("%q: %w", name, apxerrors.ErrSequenceNotFound)
	}
	in.active = idx
	return nil
}

func (in *Instrument) signalPaths() []SignalPathSpec {
	return in.profile.Sequences[in.active].SignalPaths
}

func (in *Instrument) SignalPathCount() (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("SignalPathCount", true); err != nil {
		return 0, err
	}
	return len(in.signalPaths()), nil
}

func (in *Instrument) signalPath(sp int) (SignalPathSpec, error) {
	paths := in.signalPaths()
	if sp < 0 || sp >= len(paths) {
		return SignalPathSpec{}, fmt.Errorf("index %d: %w", sp, apxerrors.ErrSignalPathNotFound)
	}
	return paths[sp], nil
}

func (in *Instrument) SignalPath(sp int) (driver.SignalPathInfo, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("SignalPath", true); err != nil {
		return driver.SignalPathInfo{}, err
	}
	p, err := in.signalPath(sp)
	if err != nil {
		return driver.SignalPathInfo{}, err
	}
	return driver.SignalPathInfo{Name: p.Name, Checked: !p.Unchecked}, nil
}

func (in *Instrument) MeasurementCount(sp int) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("MeasurementCount", true); err != nil {
		return 0, err
	}
	p, err := in.signalPath(sp)
	if err != nil {
		return 0, err
	}
	return len(p.Measurements), nil
}

func (in *Instrument) measurement(sp, m int) (MeasurementSpec, error) {
	p, err := in.signalPath(sp)
	if err != nil {
		return MeasurementSpec{}, err
	}
	if m < 0 || m >= len(p.Measurements) {
		return MeasurementSpec{}, fmt.Errorf("index %d of %q: %w", m, p.Name, apxerrors.ErrMeasurementNotFound)
	}
	return p.Measurements[m], nil
}

func (in *Instrument) Measurement(sp, m int) (driver.MeasurementInfo, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("Measurement", true); err != nil {
		return driver.MeasurementInfo{}, err
	}
	def, err := in.measurement(sp, m)
	if err != nil {
		return driver.MeasurementInfo{}, err
	}
	return driver.MeasurementInfo{Name: def.Name, Checked: !def.Unchecked}, nil
}

func (in *Instrument) RunSequence(correlationID string) (bool, error) {
	in.mu.Lock()
	if err := in.check("RunSequence", true); err != nil {
		in.mu.Unlock()
		return false, err
	}
	seq := in.profile.Sequences[in.active]
	in.mu.Unlock()

	if in.profile.RunDelay > 0 {
		time.Sleep(in.profile.RunDelay)
	}

	passed := !seq.Fail
	if in.profile.ResultsDir != "" {
		if err := writeResults(in.profile.ResultsDir, correlationID, seq, passed); err != nil {
			return false, err
		}
	}
	return passed, nil
}

func writeResults(root, correlationID string, seq SequenceSpec, passed bool) error {
	if correlationID == "" {
		correlationID = "run"
	}
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", correlationID, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	verdict := "PASS"
	if !passed {
		verdict = "FAIL"
	}
	summary := fmt.Sprintf("sequence=%s\ncorrelation_id=%s\nresult=%s\n", seq.Name, correlationID, verdict)
	if err := os.WriteFile(filepath.Join(dir, "summary.txt"), []byte(summary), 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func (in *Instrument) RunMeasurement(sp, m int) (driver.Reading, error) {
	in.mu.Lock()
	if err := in.check("RunMeasurement", true); err != nil {
		in.mu.Unlock()
		return driver.Reading{}, err
	}
	def, err := in.measurement(sp, m)
	in.mu.Unlock()
	if err != nil {
		return driver.Reading{}, err
	}

	if in.profile.RunDelay > 0 {
		time.Sleep(in.profile.RunDelay)
	}
	return driver.Reading{
		Passed:      !def.Fail,
		MeterValues: def.MeterValues,
		LowerLimits: def.LowerLimits,
		UpperLimits: def.UpperLimits,
	}, nil
}

func (in *Instrument) SetVariable(name, value string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.check("SetVariable", true); err != nil {
		return err
	}
	in.variables[name] = value
	return nil
}

// Variable returns a user-defined variable set through SetVariable.
func (in *Instrument) Variable(name string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.variables[name]
	return v, ok
}

// PID is always 0; the simulator has no separate process.
func (in *Instrument) PID() int { return 0 }

func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return errClosed
	}
	if err := in.profile.failure("Close"); err != nil {
		return err
	}
	in.closed = true
	return nil
}

// Visible reports the window visibility last set.
func (in *Instrument) Visible() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.visible
}

// Mode returns the operating mode the instrument was started in.
func (in *Instrument) Mode() string { return in.mode }
