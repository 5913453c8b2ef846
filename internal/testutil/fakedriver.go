package testutil

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/driver"
)

// FakeSignalPath is a signal path served by FakeInstrument.
type FakeSignalPath struct {
	Name         string
	Checked      bool
	Measurements []driver.MeasurementInfo
}

// FakeSequence is a sequence served by FakeInstrument.
type FakeSequence struct {
	Name        string
	SignalPaths []FakeSignalPath
}

// FakeInstrument is a scriptable driver.Instrument that records calls.
//
// Errs maps an operation name to the error it returns. ActivateErr, when
// set, is consulted for every ActivateSequence call. RunGate, when non-nil,
// blocks RunSequence and RunMeasurement until it is closed. RunDelay slows
// every run; MeasurementDelay overrides it for measurements by name.
type FakeInstrument struct {
	mu sync.Mutex

	Seqs        []FakeSequence
	Active      int
	Errs        map[string]error
	ActivateErr func(name string) error
	PanicOn     string
	RunPassed   bool
	Reading     driver.Reading
	RunGate     chan struct{}
	ProcessID   int

	RunDelay         time.Duration
	MeasurementDelay map[string]time.Duration

	Calls      []string
	Variables  map[string]string
	Project    string
	Closed     bool
	RunIDs     []string
	Activated  []string
	VisibleSet bool
}

// NewFakeInstrument returns an instrument with two sequences, "Main" (two
// signal paths) and "Aux" (one), with "Main" active and runs passing.
func NewFakeInstrument() *FakeInstrument {
	return &FakeInstrument{
		Seqs: []FakeSequence{
			{
				Name: "Main",
				SignalPaths: []FakeSignalPath{
					{
						Name:    "Analog",
						Checked: true,
						Measurements: []driver.MeasurementInfo{
							{Name: "Level", Checked: true},
							{Name: "THD+N", Checked: true},
							{Name: "Phase", Checked: false},
						},
					},
					{
						Name:         "Digital",
						Checked:      false,
						Measurements: []driver.MeasurementInfo{{Name: "SNR", Checked: true}},
					},
				},
			},
			{
				Name: "Aux",
				SignalPaths: []FakeSignalPath{
					{Name: "Loopback", Checked: true, Measurements: []driver.MeasurementInfo{{Name: "Crosstalk", Checked: true}}},
				},
			},
		},
		RunPassed: true,
		Reading:   driver.Reading{Passed: true, MeterValues: map[string]float64{"Ch1": 1.5}},
		Variables: make(map[string]string),
		Errs:      make(map[string]error),
	}
}

// enter records op and returns its scripted error. Caller must hold mu.
func (f *FakeInstrument) enter(op string) error {
	f.Calls = append(f.Calls, op)
	if f.PanicOn == op {
		panic(fmt.Sprintf("fake panic in %s", op))
	}
	if f.Closed && op != "Close" {
		return errors.New("instrument closed")
	}
	return f.Errs[op]
}

// CallCount returns how many times op was called.
func (f *FakeInstrument) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// ActiveName returns the currently active sequence name.
func (f *FakeInstrument) ActiveName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Seqs[f.Active].Name
}

// SetErr scripts op to fail with err (nil clears it).
func (f *FakeInstrument) SetErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[op] = err
}

func (f *FakeInstrument) SetVisible(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetVisible"); err != nil {
		return err
	}
	f.VisibleSet = v
	return nil
}

func (f *FakeInstrument) OpenProject(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("OpenProject"); err != nil {
		return err
	}
	f.Project = path
	return nil
}

func (f *FakeInstrument) Sequences() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Sequences"); err != nil {
		return nil, err
	}
	names := make([]string, len(f.Seqs))
	for i, s := range f.Seqs {
		names[i] = s.Name
	}
	return names, nil
}

func (f *FakeInstrument) ActiveSequence() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ActiveSequence"); err != nil {
		return "", err
	}
	return f.Seqs[f.Active].Name, nil
}

func (f *FakeInstrument) ActivateSequence(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ActivateSequence"); err != nil {
		return err
	}
	if f.ActivateErr != nil {
		if err := f.ActivateErr(name); err != nil {
			return err
		}
	}
	for i, s := range f.Seqs {
		if s.Name == name {
			f.Active = i
			f.Activated = append(f.Activated, name)
			return nil
		}
	}
	return fmt.Errorf("sequence %q not found", name)
}

func (f *FakeInstrument) paths() []FakeSignalPath {
	return f.Seqs[f.Active].SignalPaths
}

func (f *FakeInstrument) SignalPathCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SignalPathCount"); err != nil {
		return 0, err
	}
	return len(f.paths()), nil
}

func (f *FakeInstrument) SignalPath(sp int) (driver.SignalPathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SignalPath"); err != nil {
		return driver.SignalPathInfo{}, err
	}
	if sp < 0 || sp >= len(f.paths()) {
		return driver.SignalPathInfo{}, fmt.Errorf("signal path index %d out of range", sp)
	}
	p := f.paths()[sp]
	return driver.SignalPathInfo{Name: p.Name, Checked: p.Checked}, nil
}

func (f *FakeInstrument) MeasurementCount(sp int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("MeasurementCount"); err != nil {
		return 0, err
	}
	if sp < 0 || sp >= len(f.paths()) {
		return 0, fmt.Errorf("signal path index %d out of range", sp)
	}
	return len(f.paths()[sp].Measurements), nil
}

func (f *FakeInstrument) Measurement(sp, m int) (driver.MeasurementInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Measurement"); err != nil {
		return driver.MeasurementInfo{}, err
	}
	if sp < 0 || sp >= len(f.paths()) || m < 0 || m >= len(f.paths()[sp].Measurements) {
		return driver.MeasurementInfo{}, fmt.Errorf("measurement index %d/%d out of range", sp, m)
	}
	return f.paths()[sp].Measurements[m], nil
}

// gate applies the scripted delay for measurement m of signal path sp
// (negative for a sequence run) and then waits on RunGate.
func (f *FakeInstrument) gate(sp, m int) {
	f.mu.Lock()
	g, d := f.RunGate, f.RunDelay
	if sp >= 0 && sp < len(f.paths()) && m >= 0 && m < len(f.paths()[sp].Measurements) {
		if md, ok := f.MeasurementDelay[f.paths()[sp].Measurements[m].Name]; ok {
			d = md
		}
	}
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	if g != nil {
		<-g
	}
}

// beginRun records a run call under the lock so a scripted panic cannot
// leave the mutex held.
func (f *FakeInstrument) beginRun(op, correlationID string) (bool, driver.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(op); err != nil {
		return false, driver.Reading{}, err
	}
	if op == "RunSequence" {
		f.RunIDs = append(f.RunIDs, correlationID)
	}
	return f.RunPassed, f.Reading, nil
}

func (f *FakeInstrument) RunSequence(correlationID string) (bool, error) {
	passed, _, err := f.beginRun("RunSequence", correlationID)
	if err != nil {
		return false, err
	}
	f.gate(-1, -1)
	return passed, nil
}

func (f *FakeInstrument) RunMeasurement(sp, m int) (driver.Reading, error) {
	_, r, err := f.beginRun("RunMeasurement", "")
	if err != nil {
		return driver.Reading{}, err
	}
	f.gate(sp, m)
	return r, nil
}

func (f *FakeInstrument) SetVariable(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetVariable"); err != nil {
		return err
	}
	f.Variables[name] = value
	return nil
}

func (f *FakeInstrument) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProcessID
}

func (f *FakeInstrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Close"); err != nil {
		return err
	}
	f.Closed = true
	return nil
}

// FakeDriver is a scriptable driver.Driver.
type FakeDriver struct {
	mu sync.Mutex

	InitErr  error
	StartErr error
	// Next is returned by Start; a fresh NewFakeInstrument is used when nil.
	Next *FakeInstrument

	InitCalls  int
	StartCalls int
	LastOpts   driver.StartOptions
	Started    []*FakeInstrument
}

// Initialize returns InitErr.
func (d *FakeDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InitCalls++
	return d.InitErr
}

// Start returns Next or a new default instrument.
func (d *FakeDriver) Start(opts driver.StartOptions) (driver.Instrument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	d.LastOpts = opts
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	inst := d.Next
	if inst == nil {
		inst = NewFakeInstrument()
	}
	d.Next = nil
	d.Started = append(d.Started, inst)
	return inst, nil
}

// Calls returns the number of Initialize and Start calls.
func (d *FakeDriver) Calls() (initCalls, startCalls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.InitCalls, d.StartCalls
}
