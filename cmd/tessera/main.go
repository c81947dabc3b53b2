package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/cmd/tessera/commands"
	"github.com/teranos/tessera/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tessera",
	Short: "tessera - distributed elastic job executor",
	Long: `tessera - distributed elastic job executor.

Executors sharing a namespace in the coordination registry elect a leader per
job, split each job's shard items between them and fire those items on the
job's cron schedule. Items of a crashed executor fail over to idle peers.

Available commands:
  executor - Run an executor or list the registered ones
  job      - Import, inspect, enable and trigger jobs
  config   - Show and validate configuration
  version  - Show version information

Examples:
  tessera executor start -v          # Run this host's executor
  tessera job import jobs.yaml       # Create jobs from a definition file
  tessera job ls                     # List the namespace's jobs
  tessera config show --format yaml  # Show the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			am.SetConfigFile(configFile)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLog, _ := cmd.Flags().GetBool("json-log")

		opts := logger.Options{JSON: jsonLog, Verbosity: verbosity}
		// A broken config is reported by the command itself
		if cfg, err := am.Load(); err == nil {
			opts.JSON = opts.JSON || cfg.Log.JSON
			opts.File = cfg.Log.File
			opts.MaxSizeMB = cfg.Log.MaxSizeMB
			opts.MaxBackups = cfg.Log.MaxBackups
			opts.MaxAgeDays = cfg.Log.MaxAgeDays
		}
		if err := logger.InitializeWithOptions(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (replaces the am.toml search)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-log", false, "Log as JSON")

	rootCmd.AddCommand(commands.ExecutorCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
