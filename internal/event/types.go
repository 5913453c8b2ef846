// Package event defines the events the session controller publishes and a
// small pub-sub bus to deliver them. The HTTP server forwards every event to
// websocket clients; metrics and logging subscribe as well.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.launched", "run.completed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeStateChanged   = "session.state_changed"
	TypeLaunched       = "session.launched"
	TypeShutdown       = "session.shutdown"
	TypeReset          = "session.reset"
	TypeRunCompleted   = "run.completed"
	TypeResultArchived = "result.archived"
	TypeHealthLost     = "health.lost"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string, at time.Time) baseEvent {
	if at.IsZero() {
		at = time.Now()
	}
	return baseEvent{eventType: eventType, timestamp: at}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// StateChangedEvent is emitted on every session state transition.
type StateChangedEvent struct {
	baseEvent
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
	Generation uint64 `json:"generation"`
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(at time.Time, from, to, reason string, generation uint64) StateChangedEvent {
	return StateChangedEvent{
		baseEvent:  newBaseEvent(TypeStateChanged, at),
		From:       from,
		To:         to,
		Reason:     reason,
		Generation: generation,
	}
}

// LaunchedEvent is emitted when a launch finishes, successfully or not.
type LaunchedEvent struct {
	baseEvent
	Success     bool    `json:"success"`
	ProjectName string  `json:"project_name,omitempty"`
	ProjectPath string  `json:"project_path,omitempty"`
	ContentHash string  `json:"content_hash,omitempty"`
	PID         int     `json:"pid,omitempty"`
	Seconds     float64 `json:"duration_seconds"`
	Error       string  `json:"error,omitempty"`
}

// NewLaunchedEvent creates a LaunchedEvent.
func NewLaunchedEvent(at time.Time, success bool, projectName, projectPath, contentHash string, pid int, seconds float64, errMsg string) LaunchedEvent {
	return LaunchedEvent{
		baseEvent:   newBaseEvent(TypeLaunched, at),
		Success:     success,
		ProjectName: projectName,
		ProjectPath: projectPath,
		ContentHash: contentHash,
		PID:         pid,
		Seconds:     seconds,
		Error:       errMsg,
	}
}

// ShutdownEvent is emitted when a session is shut down.
type ShutdownEvent struct {
	baseEvent
	Graceful bool `json:"graceful"`
	Killed   int  `json:"killed"`
}

// NewShutdownEvent creates a ShutdownEvent.
func NewShutdownEvent(at time.Time, graceful bool, killed int) ShutdownEvent {
	return ShutdownEvent{
		baseEvent: newBaseEvent(TypeShutdown, at),
		Graceful:  graceful,
		Killed:    killed,
	}
}

// ResetEvent is emitted after a reset terminated instrument processes.
type ResetEvent struct {
	baseEvent
	Killed int `json:"killed"`
}

// NewResetEvent creates a ResetEvent.
func NewResetEvent(at time.Time, killed int) ResetEvent {
	return ResetEvent{
		baseEvent: newBaseEvent(TypeReset, at),
		Killed:    killed,
	}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunKind identifies what a run executed.
type RunKind string

const (
	RunKindSequence    RunKind = "sequence"
	RunKindMeasurement RunKind = "measurement"
	RunKindSignalPath  RunKind = "signal_path"
	RunKindAll         RunKind = "all"
)

// RunCompletedEvent is emitted when a run returns, whatever its outcome.
type RunCompletedEvent struct {
	baseEvent
	RunID   string  `json:"run_id"`
	Kind    RunKind `json:"kind"`
	Target  string  `json:"target"`
	Success bool    `json:"success"`
	Passed  bool    `json:"passed"`
	Seconds float64 `json:"duration_seconds"`
	Error   string  `json:"error,omitempty"`
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(at time.Time, runID string, kind RunKind, target string, success, passed bool, seconds float64, errMsg string) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent: newBaseEvent(TypeRunCompleted, at),
		RunID:     runID,
		Kind:      kind,
		Target:    target,
		Success:   success,
		Passed:    passed,
		Seconds:   seconds,
		Error:     errMsg,
	}
}

// ResultArchivedEvent is emitted when a result directory has been zipped.
type ResultArchivedEvent struct {
	baseEvent
	DirName   string `json:"dir_name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewResultArchivedEvent creates a ResultArchivedEvent.
func NewResultArchivedEvent(at time.Time, dirName, path string, size int64) ResultArchivedEvent {
	return ResultArchivedEvent{
		baseEvent: newBaseEvent(TypeResultArchived, at),
		DirName:   dirName,
		Path:      path,
		SizeBytes: size,
	}
}

// -----------------------------------------------------------------------------
// Health Events
// -----------------------------------------------------------------------------

// HealthLostEvent is emitted when a health check finds the instrument gone.
type HealthLostEvent struct {
	baseEvent
	Reason string `json:"reason"`
}

// NewHealthLostEvent creates a HealthLostEvent.
func NewHealthLostEvent(at time.Time, reason string) HealthLostEvent {
	return HealthLostEvent{
		baseEvent: newBaseEvent(TypeHealthLost, at),
		Reason:    reason,
	}
}
