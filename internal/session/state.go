package session

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/project"
)

// State is the lifecycle state of the instrument session.
type State int

const (
	// NotRunning means no instrument is attached.
	NotRunning State = iota
	// Starting means a launch is in progress.
	Starting
	// Idle means the instrument is up with a project loaded and accepts work.
	Idle
	// RunningStep means a sequence or measurement is executing.
	RunningStep
	// Error means the last launch failed or the instrument was lost.
	Error
)

var stateNames = [...]string{
	NotRunning:  "not_running",
	Starting:    "starting",
	Idle:        "idle",
	RunningStep: "running_step",
	Error:       "error",
}

// String returns the wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// hasInstrument reports whether the state implies a launched instrument.
func (s State) hasInstrument() bool {
	return s == Idle || s == RunningStep || s == Error
}

// ProjectInfo identifies the project loaded into the instrument.
type ProjectInfo = project.Info

// Warning is a best-effort step that failed without failing the operation.
type Warning struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

func warn(step string, err error) Warning {
	return Warning{Step: step, Message: err.Error()}
}

// Snapshot is a copy of the controller's state at one instant.
type Snapshot struct {
	State         State         `json:"state"`
	Project       *ProjectInfo  `json:"project,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorAt   *time.Time    `json:"last_error_at,omitempty"`
	StartedAt     time.Time     `json:"server_started_at"`
	InstrumentPID int           `json:"instrument_pid,omitempty"`
	Generation    uint64        `json:"generation"`
	Uptime        time.Duration `json:"-"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}
