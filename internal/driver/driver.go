// Package driver defines the narrow contract apxctrl uses to automate the
// instrument application. Implementations wrap the vendor automation API;
// every method may block for a long time and none of them is assumed to be
// safe for concurrent use, so callers serialize access on a single goroutine.
package driver

import "strings"

// StartOptions configures a new instrument application instance.
type StartOptions struct {
	// Mode is the operating mode, for example "SequenceMode".
	Mode string
	// Args are extra launch arguments such as "-Demo" or "-APx517".
	Args []string
}

// ParseArgs splits a whitespace-separated argument string.
func ParseArgs(s string) []string {
	return strings.Fields(s)
}

// Driver starts instrument instances.
type Driver interface {
	// Initialize prepares the automation bridge. It is idempotent and is
	// called before every Start; implementations do the work only once per
	// process.
	Initialize() error

	// Start launches the instrument application and returns a handle to it.
	Start(opts StartOptions) (Instrument, error)
}

// SignalPathInfo describes a signal path of the active sequence.
type SignalPathInfo struct {
	Name    string
	Checked bool
}

// MeasurementInfo describes a measurement within a signal path.
type MeasurementInfo struct {
	Name    string
	Checked bool
}

// Reading is the outcome of running a single measurement.
type Reading struct {
	Passed      bool
	MeterValues map[string]float64
	LowerLimits map[string]float64
	UpperLimits map[string]float64
}

// Instrument is a handle to a running instrument application.
//
// Signal path and measurement indices are zero-based and refer to the
// currently active sequence.
type Instrument interface {
	// SetVisible shows or hides the application window.
	SetVisible(visible bool) error

	// OpenProject loads a project file by absolute path.
	OpenProject(path string) error

	// Sequences returns the names of all sequences in the open project.
	Sequences() ([]string, error)

	// ActiveSequence returns the name of the active sequence.
	ActiveSequence() (string, error)

	// ActivateSequence makes the named sequence active.
	ActivateSequence(name string) error

	// SignalPathCount returns the number of signal paths in the active sequence.
	SignalPathCount() (int, error)

	// SignalPath returns the signal path at index sp.
	SignalPath(sp int) (SignalPathInfo, error)

	// MeasurementCount returns the number of measurements in signal path sp.
	MeasurementCount(sp int) (int, error)

	// Measurement returns measurement m of signal path sp.
	Measurement(sp, m int) (MeasurementInfo, error)

	// RunSequence runs the active sequence, tagging results with
	// correlationID, and reports whether it passed.
	RunSequence(correlationID string) (bool, error)

	// RunMeasurement runs measurement m of signal path sp.
	RunMeasurement(sp, m int) (Reading, error)

	// SetVariable sets a project-level user-defined variable.
	SetVariable(name, value string) error

	// PID returns the OS process ID of the application, or 0 if unknown.
	PID() int

	// Close shuts the application down.
	Close() error
}
