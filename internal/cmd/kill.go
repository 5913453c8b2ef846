package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/apxctrl/internal/config"
	"github.com/Iron-Ham/apxctrl/internal/logging"
	"github.com/Iron-Ham/apxctrl/internal/supervisor"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Terminate instrument processes on this machine",
	Long: `Terminate every process whose name matches the instrument process
pattern. Use this to recover a station when the control server is not
running. With --dry-run, only list the matching processes.`,
	RunE: runKill,
}

var (
	killPattern string
	killDryRun  bool
	killTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(killCmd)

	killCmd.Flags().StringVarP(&killPattern, "pattern", "p", "", "process name glob (default from config: *APx500*)")
	killCmd.Flags().BoolVar(&killDryRun, "dry-run", false, "list matching processes without killing them")
	killCmd.Flags().DurationVar(&killTimeout, "timeout", 10*time.Second, "maximum time to spend scanning and killing")
}

func runKill(cmd *cobra.Command, args []string) error {
	pattern := killPattern
	if pattern == "" {
		pattern = config.Get().Instrument.ProcessPattern
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), killTimeout)
	defer cancel()

	sup := supervisor.New(supervisor.SystemTable{}, logging.NopLogger())
	return killMatching(ctx, cmd, sup, pattern)
}

// processKiller is the supervisor surface the kill command needs.
type processKiller interface {
	FindByNamePattern(ctx context.Context, pattern string) ([]int32, error)
	KillAll(ctx context.Context, pattern string) (int, error)
}

func killMatching(ctx context.Context, cmd *cobra.Command, sup processKiller, pattern string) error {
	out := cmd.OutOrStdout()
	if killDryRun {
		pids, err := sup.FindByNamePattern(ctx, pattern)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d process(es) match %q\n", len(pids), pattern)
		for _, pid := range pids {
			fmt.Fprintf(out, "  %d\n", pid)
		}
		return nil
	}

	killed, err := sup.KillAll(ctx, pattern)
	if err != nil {
		return fmt.Errorf("kill %q: %w", pattern, err)
	}
	fmt.Fprintf(out, "Killed %d process(es) matching %q\n", killed, pattern)
	return nil
}
