package session

import "time"

// Metrics receives controller measurements. Implementations must be safe for
// concurrent use and must not call back into the controller.
type Metrics interface {
	StateChanged(from, to string)
	LaunchCompleted(success bool, d time.Duration)
	RunCompleted(kind, outcome string, d time.Duration)
	ProcessesKilled(reason string, n int)
	HealthChecked(healthy bool)
	ArchiveCreated(sizeBytes int64, d time.Duration)
}

// Run outcomes reported to Metrics.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

type nopMetrics struct{}

func (nopMetrics) StateChanged(string, string)                {}
func (nopMetrics) LaunchCompleted(bool, time.Duration)        {}
func (nopMetrics) RunCompleted(string, string, time.Duration) {}
func (nopMetrics) ProcessesKilled(string, int)                {}
func (nopMetrics) HealthChecked(bool)                         {}
func (nopMetrics) ArchiveCreated(int64, time.Duration)        {}
