package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/apxctrl/internal/config"
	"github.com/Iron-Ham/apxctrl/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View server logs",
	Long: `View and filter the control server's JSON log file.

Examples:
  # Show the last 50 lines
  apxctrl logs

  # Everything one run produced
  apxctrl logs --run TR-12345 -n 0

  # Warnings and errors from the last hour
  apxctrl logs --level warn --since 1h`,
	RunE: runLogs,
}

var (
	logsFile      string
	logsTail      int
	logsLevel     string
	logsSince     time.Duration
	logsComponent string
	logsRun       string
	logsGrep      string
	logsJSON      bool
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsFile, "file", "", "log file (default from config: logging.file)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "show entries newer than this duration (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "only entries from this component (session, server, results, ...)")
	logsCmd.Flags().StringVar(&logsRun, "run", "", "only entries for this run ID")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message contains this text")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "print entries as JSON lines")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := logsFile
	if path == "" {
		path = config.Get().Logging.File
	}
	if path == "" {
		return fmt.Errorf("no log file: the server logs to stderr unless logging.file is set")
	}

	entries, err := logging.ReadLogFile(path)
	if err != nil {
		return err
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		Component:       logsComponent,
		RunID:           logsRun,
		MessageContains: logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if logsJSON {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		fmt.Fprintln(out, logging.FormatText(e))
	}
	return nil
}
