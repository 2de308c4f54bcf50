package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the metronome database",
	Long: sym.DB + ` db — Manage the metronome database

Examples:
  metronome db migrate            # Apply pending migrations
  metronome db stats              # Show job, schedule and run counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display job, schedule and run counts, runs broken down by status",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.ComponentLogger("db"))
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Printf("%s %s is up to date\n", sym.DB, path)
		return nil
	}
	if err := db.Migrate(database, logger.ComponentLogger("db")); err != nil {
		return err
	}
	for _, name := range pending {
		fmt.Printf("  %s applied %s\n", sym.DB, name)
	}
	return nil
}

// dbStats holds the counts shown by db stats
type dbStats struct {
	Jobs      int
	Schedules int
	Enabled   int
	Fires     int
	Runs      map[run.Status]int
}

// collectStats counts jobs, schedules, claimed windows and runs by status
func collectStats(ctx context.Context, database *sql.DB) (*dbStats, error) {
	st := &dbStats{Runs: make(map[run.Status]int)}
	err := database.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM schedules),
			(SELECT COUNT(*) FROM schedules WHERE enabled = 1),
			(SELECT COUNT(*) FROM schedule_fires)
	`).Scan(&st.Jobs, &st.Schedules, &st.Enabled, &st.Fires)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs and schedules")
	}

	rows, err := database.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count runs")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan run count")
		}
		st.Runs[run.Status(status)] = n
	}
	return st, errors.Wrap(rows.Err(), "failed to read run counts")
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	st, err := collectStats(cmd.Context(), database)
	if err != nil {
		return err
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:     %s\n", cfg.GetDatabasePath())
	fmt.Printf("Jobs:              %d\n", st.Jobs)
	fmt.Printf("Schedules:         %d (%d enabled)\n", st.Schedules, st.Enabled)
	fmt.Printf("Claimed windows:   %d\n", st.Fires)
	fmt.Println()
	fmt.Printf("Runs by status:\n")
	for _, s := range []run.Status{run.StatusInitial, run.StatusActive, run.StatusSuccess, run.StatusFailed, run.StatusKilled} {
		fmt.Printf("  %-8s %d\n", s, st.Runs[s])
	}
	return nil
}
