package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/cmd/metronome/commands"
	"github.com/teranos/metronome/logger"
)

// Long-running commands log at Info without -v
var daemonCommands = map[string]bool{
	"server": true,
	"agent":  true,
}

var rootCmd = &cobra.Command{
	Use:   "metronome",
	Short: "metronome - cron job scheduler for a pool of hosts",
	Long: `metronome - cron job scheduler for a pool of hosts.

Jobs are command or container definitions. Schedules attach cron
expressions to jobs; every due window starts a run, which is placed on an
eligible host and tracked until it succeeds, fails or is killed.

Available commands:
  server   - Start the scheduler and its REST API
  agent    - Run tasks on this host for a scheduler using the agent backend
  job      - Manage jobs, schedules and runs through the REST API
  am       - Manage metronome configuration
  db       - Manage the metronome database
  version  - Show version information

Examples:
  metronome server                        # Start the scheduler
  metronome job apply -f backup.yaml      # Create or update a job and its schedules
  metronome job run prod.backup           # Start a run now
  metronome job runs prod.backup --all    # List runs, newest first`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			am.SetConfigFile(path)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		if verbosity == 0 && daemonCommands[cmd.Name()] {
			verbosity = logger.VerbosityInfo
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().String("config", "", "Read configuration from this file only (skips the config cascade)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
