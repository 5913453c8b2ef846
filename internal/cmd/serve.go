package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/apxctrl/internal/clock"
	"github.com/Iron-Ham/apxctrl/internal/config"
	"github.com/Iron-Ham/apxctrl/internal/driver"
	"github.com/Iron-Ham/apxctrl/internal/driver/sim"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/lockfile"
	"github.com/Iron-Ham/apxctrl/internal/logging"
	"github.com/Iron-Ham/apxctrl/internal/metrics"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/server"
	"github.com/Iron-Ham/apxctrl/internal/session"
	"github.com/Iron-Ham/apxctrl/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the instrument control server",
	Long: `Run the HTTP control server. The server starts with no instrument
running; POST /setup launches the instrument and loads a project.

Examples:
  # Listen on the default address
  apxctrl serve

  # Kill instruments left over from a crashed server, then listen on 8080
  apxctrl serve --kill-existing --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "interface to listen on (default from config: 0.0.0.0)")
	serveCmd.Flags().Int("port", 0, "TCP port to listen on (default from config: 5000)")
	serveCmd.Flags().Bool("kill-existing", false, "terminate running instrument processes before serving")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("instrument.kill_existing", serveCmd.Flags().Lookup("kill-existing"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	lock, err := lockfile.Acquire(cfg.Server.ResolveLockFile(), addr, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(supervisor.SystemTable{}, logger)
	if cfg.Instrument.KillExisting {
		killed, err := sup.KillAll(ctx, cfg.Instrument.ProcessPattern)
		if err != nil {
			logger.Warn("failed to kill existing instruments", "error", err)
		} else {
			logger.Info("killed existing instruments", "count", killed)
		}
	}

	drv, err := newDriver(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("apxctrl")
	bus := event.NewBus(logger)
	ctrl := session.New(session.Options{
		Driver:         drv,
		Supervisor:     sup,
		Archiver:       results.NewArchiver(cfg.Results.ResolveStagingDir(), logger),
		Bus:            bus,
		Metrics:        collector,
		Logger:         logger,
		ProcessPattern: cfg.Instrument.ProcessPattern,
		DefaultMode:    cfg.Instrument.Mode,
		DefaultArgs:    cfg.Instrument.Args,
		Visible:        cfg.Instrument.Visible,
		CloseGrace:     cfg.Instrument.CloseGrace(),
		RunTimeout:     cfg.Instrument.RunTimeout(),
		HashAlgorithm:  cfg.Project.HashAlgorithm,
		CheckProcess:   cfg.Health.CheckProcess,
		CheckTimeout:   cfg.Health.CheckTimeout(),
	})
	defer ctrl.Close()

	hub := server.NewHub(server.HubOptions{
		Bus:          bus,
		Snapshot:     ctrl.Snapshot,
		Interval:     cfg.Events.SnapshotInterval(),
		ClientBuffer: cfg.Events.ClientBuffer,
		Logger:       logger,
		Recorder:     collector,
	})
	defer hub.Close()

	srv := server.New(server.Options{
		Controller:     ctrl,
		Hub:            hub,
		Logger:         logger,
		Recorder:       collector,
		Metrics:        collector.Handler(),
		AuthToken:      cfg.Server.AuthToken,
		Version:        Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	watchConfig(logger)

	if interval := cfg.Health.Interval(); interval > 0 {
		go healthLoop(ctx, ctrl, clock.Real(), interval, logger)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server listening", "addr", addr, "version", Version, "driver", cfg.Instrument.Driver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	res := ctrl.Shutdown(shutdownCtx, true)
	logger.Info("instrument released", "graceful", res.Graceful, "killed", res.Killed)
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(logging.Options{
		File:  cfg.Logging.File,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func newDriver(cfg *config.Config) (driver.Driver, error) {
	switch cfg.Instrument.Driver {
	case "sim":
		if cfg.Instrument.SimProfile == "" {
			return sim.New(nil), nil
		}
		profile, err := sim.LoadProfile(cfg.Instrument.SimProfile)
		if err != nil {
			return nil, err
		}
		return sim.New(profile), nil
	default:
		return nil, fmt.Errorf("unknown instrument driver %q", cfg.Instrument.Driver)
	}
}

// watchConfig applies log level changes from the config file without a
// restart. Other settings take effect on the next start.
func watchConfig(logger *logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		if !strings.EqualFold(cfg.Logging.Level, logger.Level()) {
			logger.SetLevel(cfg.Logging.Level)
			logger.Info("log level changed", "level", cfg.Logging.Level)
		}
	})
	viper.WatchConfig()
}

// healthChecker is the part of the controller the background loop needs.
type healthChecker interface {
	HealthCheck(ctx context.Context) bool
}

func healthLoop(ctx context.Context, hc healthChecker, clk clock.Clock, interval time.Duration, logger *logging.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hc.HealthCheck(ctx) {
				logger.Debug("background health check failed")
			}
		}
	}
}
