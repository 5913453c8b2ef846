package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Instrument.ProcessPattern != "*APx500*" {
		t.Errorf("Instrument.ProcessPattern = %q, want %q", cfg.Instrument.ProcessPattern, "*APx500*")
	}
	if cfg.Instrument.Mode != "SequenceMode" {
		t.Errorf("Instrument.Mode = %q, want SequenceMode", cfg.Instrument.Mode)
	}
	if cfg.Instrument.Args != "-Demo -APx517" {
		t.Errorf("Instrument.Args = %q, want %q", cfg.Instrument.Args, "-Demo -APx517")
	}
	if cfg.Instrument.CloseGrace() != time.Second {
		t.Errorf("CloseGrace() = %v, want 1s", cfg.Instrument.CloseGrace())
	}
	if cfg.Instrument.RunTimeout() != 120*time.Second {
		t.Errorf("RunTimeout() = %v, want 2m0s", cfg.Instrument.RunTimeout())
	}
	if cfg.Project.HashAlgorithm != "sha256" {
		t.Errorf("Project.HashAlgorithm = %q, want sha256", cfg.Project.HashAlgorithm)
	}
	if cfg.Health.Interval() != 0 {
		t.Errorf("Health.Interval() = %v, want 0", cfg.Health.Interval())
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() config has validation errors: %v", ValidationErrors(errs))
	}
}

func TestResolveStagingDir(t *testing.T) {
	r := ResultsConfig{}
	want := filepath.Join(os.TempDir(), "apxctrl", "results")
	if got := r.ResolveStagingDir(); got != want {
		t.Errorf("ResolveStagingDir() = %q, want %q", got, want)
	}

	r.StagingDir = "/srv/results"
	if got := r.ResolveStagingDir(); got != "/srv/results" {
		t.Errorf("ResolveStagingDir() = %q, want /srv/results", got)
	}
}

func TestLoadFrom(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
server:
  port: 6100
instrument:
  run_timeout_seconds: 30
  args: "-APx555"
project:
  hash_algorithm: blake3
logging:
  level: debug
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		v := viper.New()
		for key, val := range defaultsMap() {
			v.SetDefault(key, val)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			t.Fatalf("ReadInConfig: %v", err)
		}

		cfg, err := LoadFrom(v)
		if err != nil {
			t.Fatalf("LoadFrom: %v", err)
		}
		if cfg.Server.Port != 6100 {
			t.Errorf("Server.Port = %d, want 6100", cfg.Server.Port)
		}
		if cfg.Instrument.RunTimeout() != 30*time.Second {
			t.Errorf("RunTimeout() = %v, want 30s", cfg.Instrument.RunTimeout())
		}
		if cfg.Instrument.Args != "-APx555" {
			t.Errorf("Instrument.Args = %q", cfg.Instrument.Args)
		}
		if cfg.Instrument.Mode != "SequenceMode" {
			t.Errorf("Instrument.Mode = %q, want default", cfg.Instrument.Mode)
		}
		if cfg.Project.HashAlgorithm != "blake3" {
			t.Errorf("Project.HashAlgorithm = %q, want blake3", cfg.Project.HashAlgorithm)
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		v := viper.New()
		for key, val := range defaultsMap() {
			v.SetDefault(key, val)
		}
		v.Set("server.port", 0)
		v.Set("project.hash_algorithm", "md5")

		_, err := LoadFrom(v)
		if err == nil {
			t.Fatal("expected validation error")
		}
		verrs, ok := err.(ValidationErrors)
		if !ok {
			t.Fatalf("error type = %T, want ValidationErrors", err)
		}
		if len(verrs) != 2 {
			t.Errorf("got %d validation errors, want 2: %v", len(verrs), verrs)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	SetDefaults()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Instrument.ProcessPattern != "*APx500*" {
		t.Errorf("ProcessPattern = %q", cfg.Instrument.ProcessPattern)
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ConfigDir(); got != filepath.Join("/xdg", "apxctrl") {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != filepath.Join("/xdg", "apxctrl", "config.yaml") {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Instrument.Driver = "com" }, "instrument.driver"},
		{"empty pattern", func(c *Config) { c.Instrument.ProcessPattern = "  " }, "instrument.process_pattern"},
		{"empty mode", func(c *Config) { c.Instrument.Mode = "" }, "instrument.mode"},
		{"negative grace", func(c *Config) { c.Instrument.CloseGraceMs = -1 }, "instrument.close_grace_ms"},
		{"run timeout zero", func(c *Config) { c.Instrument.RunTimeoutSeconds = 0 }, "instrument.run_timeout_seconds"},
		{"run timeout huge", func(c *Config) { c.Instrument.RunTimeoutSeconds = 3601 }, "instrument.run_timeout_seconds"},
		{"hash", func(c *Config) { c.Project.HashAlgorithm = "md5" }, "project.hash_algorithm"},
		{"health interval", func(c *Config) { c.Health.IntervalSeconds = -5 }, "health.interval_seconds"},
		{"check timeout", func(c *Config) { c.Health.CheckProcess = true; c.Health.CheckTimeoutMs = 0 }, "health.check_timeout_ms"},
		{"client buffer", func(c *Config) { c.Events.ClientBuffer = 0 }, "events.client_buffer"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"log backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("got %d errors, want 1: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "" {
		t.Errorf("empty Error() = %q", got)
	}

	one := ValidationErrors{{Field: "server.port", Value: 0, Message: "must be between 1 and 65535"}}
	if got, want := one.Error(), "server.port: must be between 1 and 65535 (got: 0)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	two := append(one, ValidationError{Field: "logging.level", Value: "x", Message: "bad"})
	if !strings.HasPrefix(two.Error(), "2 validation errors:") {
		t.Errorf("Error() = %q", two.Error())
	}
}

// defaultsMap mirrors SetDefaults for an isolated viper instance.
func defaultsMap() map[string]any {
	d := Default()
	return map[string]any{
		"server.host":                      d.Server.Host,
		"server.port":                      d.Server.Port,
		"server.shutdown_timeout_seconds":  d.Server.ShutdownTimeoutSeconds,
		"instrument.driver":                d.Instrument.Driver,
		"instrument.process_pattern":       d.Instrument.ProcessPattern,
		"instrument.mode":                  d.Instrument.Mode,
		"instrument.args":                  d.Instrument.Args,
		"instrument.visible":               d.Instrument.Visible,
		"instrument.close_grace_ms":        d.Instrument.CloseGraceMs,
		"instrument.run_timeout_seconds":   d.Instrument.RunTimeoutSeconds,
		"project.hash_algorithm":           d.Project.HashAlgorithm,
		"health.check_timeout_ms":          d.Health.CheckTimeoutMs,
		"events.snapshot_interval_seconds": d.Events.SnapshotIntervalSeconds,
		"events.client_buffer":             d.Events.ClientBuffer,
		"logging.level":                    d.Logging.Level,
		"logging.max_size_mb":              d.Logging.MaxSizeMB,
		"logging.max_backups":              d.Logging.MaxBackups,
		"logging.compress":                 d.Logging.Compress,
	}
}
