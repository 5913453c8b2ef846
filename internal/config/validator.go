package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "server.port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDrivers returns the list of available instrument drivers
func ValidDrivers() []string {
	return []string{"sim"}
}

// ValidHashAlgorithms returns the list of supported project digests
func ValidHashAlgorithms() []string {
	return []string{"sha256", "blake3"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateInstrument()...)
	errors = append(errors, c.validateProject()...)
	errors = append(errors, c.validateHealth()...)
	errors = append(errors, c.validateEvents()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateInstrument() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Instrument.Driver) {
		errors = append(errors, ValidationError{
			Field:   "instrument.driver",
			Value:   c.Instrument.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}

	if strings.TrimSpace(c.Instrument.ProcessPattern) == "" {
		errors = append(errors, ValidationError{
			Field:   "instrument.process_pattern",
			Value:   c.Instrument.ProcessPattern,
			Message: "must not be empty",
		})
	} else if _, err := glob.Compile(strings.ToLower(c.Instrument.ProcessPattern)); err != nil {
		errors = append(errors, ValidationError{
			Field:   "instrument.process_pattern",
			Value:   c.Instrument.ProcessPattern,
			Message: fmt.Sprintf("invalid glob: %v", err),
		})
	}

	if c.Instrument.Mode == "" {
		errors = append(errors, ValidationError{
			Field:   "instrument.mode",
			Value:   c.Instrument.Mode,
			Message: "must not be empty",
		})
	}

	if c.Instrument.CloseGraceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "instrument.close_grace_ms",
			Value:   c.Instrument.CloseGraceMs,
			Message: "must be non-negative",
		})
	}

	const maxRunTimeoutSeconds = 3600
	if c.Instrument.RunTimeoutSeconds < 1 || c.Instrument.RunTimeoutSeconds > maxRunTimeoutSeconds {
		errors = append(errors, ValidationError{
			Field:   "instrument.run_timeout_seconds",
			Value:   c.Instrument.RunTimeoutSeconds,
			Message: fmt.Sprintf("must be between 1 and %d", maxRunTimeoutSeconds),
		})
	}

	return errors
}

func (c *Config) validateProject() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidHashAlgorithms(), c.Project.HashAlgorithm) {
		errors = append(errors, ValidationError{
			Field:   "project.hash_algorithm",
			Value:   c.Project.HashAlgorithm,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidHashAlgorithms(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateHealth() []ValidationError {
	var errors []ValidationError

	if c.Health.IntervalSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "health.interval_seconds",
			Value:   c.Health.IntervalSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Health.CheckProcess && c.Health.CheckTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "health.check_timeout_ms",
			Value:   c.Health.CheckTimeoutMs,
			Message: "must be positive when check_process is enabled",
		})
	}

	return errors
}

func (c *Config) validateEvents() []ValidationError {
	var errors []ValidationError

	if c.Events.SnapshotIntervalSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "events.snapshot_interval_seconds",
			Value:   c.Events.SnapshotIntervalSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Events.ClientBuffer < 1 {
		errors = append(errors, ValidationError{
			Field:   "events.client_buffer",
			Value:   c.Events.ClientBuffer,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
