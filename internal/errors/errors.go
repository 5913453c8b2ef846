// Package errors provides the error taxonomy used across apxctrl. It defines
// domain errors raised while driving the instrument, semantic errors for
// common conditions, and classification helpers used by the control API to
// pick a status code.
//
// # Error Types
//
// Domain errors describe failures of a specific subsystem:
//   - DriverError: a call into the instrument automation driver failed
//   - ProcessLostError: the instrument process or its handle disappeared
//   - IOError: a filesystem operation on projects or results failed
//
// Semantic errors describe common conditions:
//   - ValidationError: bad input, such as a missing or empty project file
//   - NotReadyError: the operation is not allowed in the current state
//   - NotFoundError: nothing matched a lookup
//   - TimeoutError: an operation exceeded its deadline
//
// # Usage
//
//	err := errors.NewDriverError("OpenProject", cause).WithDetail(path)
//
//	if errors.Is(err, errors.ErrBridgeInit) { ... }
//
//	switch errors.KindOf(err) {
//	case errors.KindNotReady:
//	    ...
//	}
//
// # Error Classification
//
// Every error carries a severity, whether a retry may succeed, and whether its
// message is safe to return to API clients.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are only useful while debugging.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require operator attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind is the coarse category of an error, used to map errors onto
// transport status codes.
type Kind int

const (
	// KindInternal is any error not covered by a more specific kind.
	KindInternal Kind = iota
	KindValidation
	KindNotReady
	KindNotFound
	KindTimeout
	KindDriver
	KindProcessLost
	KindIO
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotReady:
		return "not_ready"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindDriver:
		return "driver_failure"
	case KindProcessLost:
		return "process_lost"
	case KindIO:
		return "io_failure"
	default:
		return "internal"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Instrument-related sentinel errors
var (
	// ErrBridgeInit indicates the automation bridge could not be initialized.
	ErrBridgeInit = New("automation bridge initialization failed")
	// ErrHandleLost indicates the controller lost its instrument handle.
	ErrHandleLost = New("instrument handle lost")
	// ErrNoInstrument indicates no instrument process was found.
	ErrNoInstrument = New("no instrument process found")
	// ErrSequenceNotFound indicates the named sequence does not exist in the project.
	ErrSequenceNotFound = New("sequence not found")
	// ErrSignalPathNotFound indicates the named signal path does not exist.
	ErrSignalPathNotFound = New("signal path not found")
	// ErrMeasurementNotFound indicates the named measurement does not exist.
	ErrMeasurementNotFound = New("measurement not found")
	// ErrWorkerBusy indicates a previous driver call is still executing.
	ErrWorkerBusy = New("instrument worker busy")
	// ErrDriverPanic indicates a driver call panicked.
	ErrDriverPanic = New("driver call panicked")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotReady indicates the controller is not in a state that allows the operation.
	ErrNotReady = New("not ready")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ApxError is the interface implemented by all apxctrl errors.
type ApxError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Kind returns the coarse category of this error.
	Kind() Kind

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to return to clients.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	kind       Kind
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Kind returns the error kind.
func (e *baseError) Kind() Kind {
	return e.kind
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// DriverError represents a failed call into the instrument automation driver.
//
// Example:
//
//	err := errors.NewDriverError("OpenProject", cause).WithDetail("/data/line1.approjx")
//	fmt.Println(err) // "driver error [op=OpenProject, detail=/data/line1.approjx]: call failed: ..."
type DriverError struct {
	baseError
	Op     string
	Detail string
}

// NewDriverError creates a new DriverError for the named driver operation.
func NewDriverError(op string, cause error) *DriverError {
	return &DriverError{
		baseError: baseError{
			message:    "call failed",
			cause:      cause,
			kind:       KindDriver,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Op: op,
	}
}

// WithDetail attaches extra context such as a project path or sequence name.
func (e *DriverError) WithDetail(detail string) *DriverError {
	e.Detail = detail
	return e
}

// WithSeverity sets the error severity.
func (e *DriverError) WithSeverity(s Severity) *DriverError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *DriverError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%s", e.Detail))
	}
	return formatWithContext("driver error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *DriverError) Is(target error) bool {
	if _, ok := target.(*DriverError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProcessLostError indicates the instrument process vanished or the
// controller's handle no longer refers to a live instrument.
type ProcessLostError struct {
	baseError
	PID int
}

// NewProcessLostError creates a new ProcessLostError.
func NewProcessLostError(message string) *ProcessLostError {
	return &ProcessLostError{
		baseError: baseError{
			message:    message,
			cause:      ErrHandleLost,
			kind:       KindProcessLost,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithPID records the last known process ID.
func (e *ProcessLostError) WithPID(pid int) *ProcessLostError {
	e.PID = pid
	return e
}

// WithCause replaces the default cause.
func (e *ProcessLostError) WithCause(cause error) *ProcessLostError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ProcessLostError) Error() string {
	var parts []string
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	return formatWithContext("process lost", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ProcessLostError) Is(target error) bool {
	if _, ok := target.(*ProcessLostError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// IOError represents a failed filesystem operation.
type IOError struct {
	baseError
	Op   string
	Path string
}

// NewIOError creates a new IOError.
func NewIOError(op, path string, cause error) *IOError {
	return &IOError{
		baseError: baseError{
			message:    op + " failed",
			cause:      cause,
			kind:       KindIO,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Op:   op,
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *IOError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return formatWithContext("io error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *IOError) Is(target error) bool {
	if _, ok := target.(*IOError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a lookup that matched nothing.
//
// Example:
//
//	err := errors.NewNotFoundError("result directory", "/data/RUN-1")
//	fmt.Println(err) // "result directory '/data/RUN-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			kind:       KindNotFound,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("project file is empty").WithField("project_path").WithValue(path)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			kind:       KindValidation,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// NotReadyError reports that an operation is not permitted in the
// controller's current state.
//
// Example:
//
//	err := errors.NewNotReadyError("run sequence", "running_step")
//	fmt.Println(err) // "not ready: cannot run sequence while running_step"
type NotReadyError struct {
	baseError
	Operation string
	State     string
}

// NewNotReadyError creates a new NotReadyError.
func NewNotReadyError(operation, state string) *NotReadyError {
	return &NotReadyError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot %s while %s", operation, state),
			kind:       KindNotReady,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		State:     state,
	}
}

// WithCause adds a cause to the error.
func (e *NotReadyError) WithCause(cause error) *NotReadyError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotReadyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("not ready: %s: %v", e.message, e.cause)
	}
	return "not ready: " + e.message
}

// Is checks if this error matches the target.
func (e *NotReadyError) Is(target error) bool {
	if _, ok := target.(*NotReadyError); ok {
		return true
	}
	if errors.Is(target, ErrNotReady) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("run sequence", 120*time.Second)
//	fmt.Println(err) // "timeout error: run sequence (timeout: 2m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			kind:       KindTimeout,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// KindOf returns the kind of the first ApxError in err's chain, or
// KindInternal when there is none. Bare ErrTimeout maps to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var apxErr ApxError
	if As(err, &apxErr) {
		return apxErr.Kind()
	}
	if Is(err, ErrTimeout) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apxErr ApxError
	if As(err, &apxErr) {
		return apxErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrWorkerBusy)
}

// IsUserFacing returns true if the error message is safe to display to
// API clients.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var apxErr ApxError
	if As(err, &apxErr) {
		return apxErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ApxError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var apxErr ApxError
	if As(err, &apxErr) {
		return apxErr.Severity()
	}

	return SeverityError
}

// Wrap wraps an error with additional context message.
// Unlike a plain string error, the ApxError in the chain stays reachable.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
