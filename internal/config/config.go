package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete apxctrl configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Results    ResultsConfig    `mapstructure:"results"`
	Project    ProjectConfig    `mapstructure:"project"`
	Health     HealthConfig     `mapstructure:"health"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP control API
type ServerConfig struct {
	// Host is the interface to listen on (default: "0.0.0.0")
	Host string `mapstructure:"host"`
	// Port is the TCP port to listen on (default: 5000)
	Port int `mapstructure:"port"`
	// AuthToken, when set, must be presented as a bearer token on every
	// request except "/" and "/health".
	AuthToken string `mapstructure:"auth_token"`
	// ShutdownTimeoutSeconds bounds graceful HTTP shutdown
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	// LockFile guards against two servers driving the same instrument.
	// Empty means <config dir>/server.lock.
	LockFile string `mapstructure:"lock_file"`
	// AllowedOrigins restricts websocket upgrades to these origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// InstrumentConfig controls how the instrument application is started and driven
type InstrumentConfig struct {
	// Driver selects the automation driver implementation. Options: "sim"
	Driver string `mapstructure:"driver"`
	// SimProfile is an optional YAML file describing the simulated instrument
	SimProfile string `mapstructure:"sim_profile"`
	// ProcessPattern is the case-insensitive glob used to find instrument processes
	ProcessPattern string `mapstructure:"process_pattern"`
	// Mode is the operating mode passed to the instrument on start
	Mode string `mapstructure:"mode"`
	// Args are extra launch arguments passed to the instrument
	Args string `mapstructure:"args"`
	// Visible shows the instrument window after launch
	Visible bool `mapstructure:"visible"`
	// CloseGraceMs is how long a graceful close may take before it counts as failed
	CloseGraceMs int `mapstructure:"close_grace_ms"`
	// RunTimeoutSeconds is the default timeout for runs that don't specify one
	RunTimeoutSeconds int `mapstructure:"run_timeout_seconds"`
	// KillExisting terminates leftover instrument processes on server start
	KillExisting bool `mapstructure:"kill_existing"`
}

// ResultsConfig controls result archival
type ResultsConfig struct {
	// StagingDir is where result archives are written.
	// Empty means <os temp dir>/apxctrl/results.
	StagingDir string `mapstructure:"staging_dir"`
}

// ProjectConfig controls project file handling
type ProjectConfig struct {
	// HashAlgorithm is the content digest recorded for loaded projects.
	// Options: "sha256", "blake3"
	HashAlgorithm string `mapstructure:"hash_algorithm"`
}

// HealthConfig controls health checking
type HealthConfig struct {
	// IntervalSeconds runs a background health check at this period. 0 disables it.
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// CheckProcess also checks the OS process table for a live instrument
	CheckProcess bool `mapstructure:"check_process"`
	// CheckTimeoutMs bounds the process table scan
	CheckTimeoutMs int `mapstructure:"check_timeout_ms"`
}

// EventsConfig controls the websocket event stream
type EventsConfig struct {
	// SnapshotIntervalSeconds sends a periodic state snapshot to stream clients. 0 disables it.
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
	// ClientBuffer is the per-client outbound message queue length
	ClientBuffer int `mapstructure:"client_buffer"`
}

// LoggingConfig controls server logging
type LoggingConfig struct {
	// Level is the minimum log level (default: "info")
	Level string `mapstructure:"level"`
	// File is the JSON log file path. Empty logs to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   5000,
			ShutdownTimeoutSeconds: 10,
		},
		Instrument: InstrumentConfig{
			Driver:            "sim",
			ProcessPattern:    "*APx500*",
			Mode:              "SequenceMode",
			Args:              "-Demo -APx517",
			Visible:           true,
			CloseGraceMs:      1000,
			RunTimeoutSeconds: 120,
		},
		Project: ProjectConfig{
			HashAlgorithm: "sha256",
		},
		Health: HealthConfig{
			IntervalSeconds: 0,
			CheckProcess:    false,
			CheckTimeoutMs:  2000,
		},
		Events: EventsConfig{
			SnapshotIntervalSeconds: 5,
			ClientBuffer:            64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// CloseGrace returns the graceful close budget as a time.Duration
func (c *InstrumentConfig) CloseGrace() time.Duration {
	return time.Duration(c.CloseGraceMs) * time.Millisecond
}

// RunTimeout returns the default run timeout as a time.Duration
func (c *InstrumentConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// Interval returns the background health check period (0 means disabled)
func (c *HealthConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CheckTimeout returns the process check budget as a time.Duration
func (c *HealthConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot broadcast period (0 means disabled)
func (c *EventsConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the HTTP graceful shutdown budget
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ResolveStagingDir returns the configured staging directory or the default
// under the OS temp directory.
func (c *ResultsConfig) ResolveStagingDir() string {
	if c.StagingDir != "" {
		return c.StagingDir
	}
	return filepath.Join(os.TempDir(), "apxctrl", "results")
}

// ResolveLockFile returns the configured lock file or the default in the
// config directory.
func (c *ServerConfig) ResolveLockFile() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(ConfigDir(), "server.lock")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.auth_token", defaults.Server.AuthToken)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)
	viper.SetDefault("server.lock_file", defaults.Server.LockFile)
	viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Instrument defaults
	viper.SetDefault("instrument.driver", defaults.Instrument.Driver)
	viper.SetDefault("instrument.sim_profile", defaults.Instrument.SimProfile)
	viper.SetDefault("instrument.process_pattern", defaults.Instrument.ProcessPattern)
	viper.SetDefault("instrument.mode", defaults.Instrument.Mode)
	viper.SetDefault("instrument.args", defaults.Instrument.Args)
	viper.SetDefault("instrument.visible", defaults.Instrument.Visible)
	viper.SetDefault("instrument.close_grace_ms", defaults.Instrument.CloseGraceMs)
	viper.SetDefault("instrument.run_timeout_seconds", defaults.Instrument.RunTimeoutSeconds)
	viper.SetDefault("instrument.kill_existing", defaults.Instrument.KillExisting)

	// Results defaults
	viper.SetDefault("results.staging_dir", defaults.Results.StagingDir)

	// Project defaults
	viper.SetDefault("project.hash_algorithm", defaults.Project.HashAlgorithm)

	// Health defaults
	viper.SetDefault("health.interval_seconds", defaults.Health.IntervalSeconds)
	viper.SetDefault("health.check_process", defaults.Health.CheckProcess)
	viper.SetDefault("health.check_timeout_ms", defaults.Health.CheckTimeoutMs)

	// Events defaults
	viper.SetDefault("events.snapshot_interval_seconds", defaults.Events.SnapshotIntervalSeconds)
	viper.SetDefault("events.client_buffer", defaults.Events.ClientBuffer)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if it
// cannot be loaded.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "apxctrl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".apxctrl"
	}
	return filepath.Join(home, ".config", "apxctrl")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
