package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/httpclient"
	"github.com/teranos/metronome/internal/util"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
	"github.com/teranos/metronome/sym"
)

// JobCmd manages jobs through the REST API of a running server
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Manage jobs, schedules and runs",
	Long: sym.Pulse + ` job — Manage jobs, schedules and runs through the REST API.

The server address comes from --server, then METRONOME_URL, then
http://localhost:<server.port> from configuration.

Examples:
  metronome job ls                          # List jobs with schedules and active runs
  metronome job apply -f backup.yaml        # Create or update a job and its schedules
  metronome job run prod.backup             # Start a run now
  metronome job runs prod.backup --all      # List all runs, newest first
  metronome job kill prod.backup <run-id>   # Stop a run
  metronome job rm prod.backup --stop-runs  # Delete a job, killing its active runs`,
}

var (
	jobServerURL string
	jobTimeout   time.Duration
	jobJSON      bool
)

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its schedules, active runs and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var (
	applyFiles []string
	applyPrune bool
)

var jobApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create or update jobs and their schedules from files",
	Long: `Create or update jobs from YAML, TOML or JSON files ("-" reads stdin).

Jobs that exist are replaced; schedules are created or updated by id.
With --prune, schedules of the job that the file does not declare are removed.`,
	Args: cobra.NoArgs,
	RunE: runJobApply,
}

var (
	rmStopRuns bool
)

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRm,
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Start a run of a job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRun,
}

var runsAll bool

var jobRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "List runs of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRuns,
}

var jobKillCmd = &cobra.Command{
	Use:   "kill <job-id> <run-id>",
	Short: "Stop a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobKill,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server readiness",
	Args:  cobra.NoArgs,
	RunE:  runJobStatus,
}

func init() {
	JobCmd.PersistentFlags().StringVar(&jobServerURL, "server", "", "Server URL (default: METRONOME_URL or http://localhost:<server.port>)")
	JobCmd.PersistentFlags().DurationVar(&jobTimeout, "timeout", httpclient.DefaultTimeout, "Request timeout")
	JobCmd.PersistentFlags().BoolVar(&jobJSON, "json", false, "Print JSON instead of tables")

	jobApplyCmd.Flags().StringArrayVarP(&applyFiles, "file", "f", nil, "Job file (repeatable, - for stdin)")
	jobApplyCmd.Flags().BoolVar(&applyPrune, "prune", false, "Remove schedules not declared in the file")
	_ = jobApplyCmd.MarkFlagRequired("file")
	jobRmCmd.Flags().BoolVar(&rmStopRuns, "stop-runs", false, "Kill active runs instead of refusing")
	jobRunsCmd.Flags().BoolVar(&runsAll, "all", false, "Include finished runs")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobApplyCmd)
	JobCmd.AddCommand(jobRmCmd)
	JobCmd.AddCommand(jobRunCmd)
	JobCmd.AddCommand(jobRunsCmd)
	JobCmd.AddCommand(jobKillCmd)
	JobCmd.AddCommand(jobStatusCmd)
}

// serverURL resolves the API address
func serverURL() string {
	if jobServerURL != "" {
		return jobServerURL
	}
	if env := os.Getenv("METRONOME_URL"); env != "" {
		return env
	}
	port := am.DefaultServerPort
	if cfg, err := am.Load(); err == nil && cfg.Server.Port != 0 {
		port = cfg.Server.Port
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func newAPIClient() (*httpclient.Client, error) {
	return httpclient.New(serverURL(), jobTimeout)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Println(string(data))
	return nil
}

func runJobLs(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	jobs, err := c.ListJobs(cmd.Context(), "activeRuns", "schedules")
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "SCHEDULES", "ACTIVE RUNS", "COMMAND"}}
	for _, j := range jobs {
		crons := make([]string, 0, len(j.Schedules))
		for _, s := range j.Schedules {
			crons = append(crons, describeSchedule(s))
		}
		data = append(data, []string{
			j.ID,
			orDefault(strings.Join(crons, ", "), "-"),
			fmt.Sprint(len(j.ActiveRuns)),
			util.Truncate(commandOf(&j.Job), 50),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobShow(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	j, err := c.GetJob(cmd.Context(), args[0], "activeRuns", "schedules", "history")
	if err != nil {
		return err
	}
	return printJSON(j)
}

func runJobApply(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	for _, path := range applyFiles {
		f, err := LoadJobFile(path, cmd.InOrStdin())
		if err != nil {
			return err
		}
		res, err := applyJobFile(cmd.Context(), c, f, applyPrune)
		if err != nil {
			return errors.Wrapf(err, "apply %s", path)
		}
		pterm.Success.Printf("%s %s %s (schedules: %d created, %d updated, %d removed)\n",
			sym.Pulse, f.ID, res.job, res.created, res.updated, res.removed)
	}
	return nil
}

// applyResult counts what applyJobFile changed
type applyResult struct {
	job                       string // "created" or "updated"
	created, updated, removed int
}

// applyJobFile creates or replaces the job, then creates or updates each
// schedule by id. With prune, undeclared schedules are deleted.
func applyJobFile(ctx context.Context, c *httpclient.Client, f *JobFile, prune bool) (applyResult, error) {
	var res applyResult
	if err := f.Validate(); err != nil {
		return res, err
	}

	_, err := c.GetJob(ctx, f.ID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		if _, err := c.CreateJob(ctx, &f.Job); err != nil {
			return res, err
		}
		res.job = "created"
	case err != nil:
		return res, err
	default:
		if _, err := c.UpdateJob(ctx, &f.Job); err != nil {
			return res, err
		}
		res.job = "updated"
	}

	existing, err := c.ListSchedules(ctx, f.ID)
	if err != nil {
		return res, err
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.ID] = true
	}

	declared := make(map[string]bool, len(f.Schedules))
	for _, spec := range f.Schedules {
		declared[spec.ID] = true
		sc := spec.Schedule(f.ID)
		if have[sc.ID] {
			if _, err := c.UpdateSchedule(ctx, f.ID, sc); err != nil {
				return res, err
			}
			res.updated++
			continue
		}
		if _, err := c.CreateSchedule(ctx, f.ID, sc); err != nil {
			return res, err
		}
		res.created++
	}

	if prune {
		for _, s := range existing {
			if declared[s.ID] {
				continue
			}
			if err := c.DeleteSchedule(ctx, f.ID, s.ID); err != nil {
				return res, err
			}
			res.removed++
		}
	}
	return res, nil
}

func runJobRm(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.DeleteJob(cmd.Context(), args[0], rmStopRuns); err != nil {
		if errors.Is(err, errors.ErrConflict) && !rmStopRuns {
			return errors.WithHint(err, "use --stop-runs to kill the active runs first")
		}
		return err
	}
	pterm.Success.Printf("Deleted job %s\n", args[0])
	return nil
}

func runJobRun(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	r, err := c.TriggerRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(r)
	}
	pterm.Success.Printf("%s Started run %s of %s\n", sym.Run, r.ID, r.JobID)
	return nil
}

func runJobRuns(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	runs, err := c.ListRuns(cmd.Context(), args[0], runsAll)
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(runsTable(runs)).Render()
}

// runsTable renders runs in the order given
func runsTable(runs []*run.Run) pterm.TableData {
	data := pterm.TableData{{"RUN", "STATUS", "TRIGGER", "HOST", "ATTEMPTS", "STARTED", "MESSAGE"}}
	for _, r := range runs {
		data = append(data, []string{
			r.ID,
			colorStatus(r.Status),
			r.Trigger,
			orDefault(r.Host, "-"),
			fmt.Sprint(r.Attempts),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			util.Truncate(r.Message, 40),
		})
	}
	return data
}

func runJobKill(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	r, err := c.KillRun(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(r)
	}
	if r.Status != run.StatusKilled {
		pterm.Info.Printf("Run %s already finished: %s\n", r.ID, r.Status)
		return nil
	}
	pterm.Success.Printf("Killed run %s\n", r.ID)
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	h, err := c.Health(cmd.Context())
	if h == nil {
		return err
	}
	if jobJSON {
		if perr := printJSON(h); perr != nil {
			return perr
		}
		return err
	}
	pterm.Info.Printf("%s at %s: %s (version %s)\n", sym.Pulse, c, h.Status, h.Version)
	for name, status := range h.Checks {
		fmt.Printf("  %-12s %s\n", name, status)
	}
	fmt.Printf("  %-12s %d\n", "clients", h.Clients)
	return err
}

func describeSchedule(s *schedule.Schedule) string {
	desc := s.ID + " " + s.Cron
	if !s.Enabled {
		desc += " (disabled)"
	}
	return desc
}

// commandOf summarizes what a run of the job executes
func commandOf(j *job.Job) string {
	if j.IsDocker() {
		return "docker:" + j.Run.Docker.Image
	}
	if j.Run.Cmd != "" {
		return j.Run.Cmd
	}
	return strings.Join(j.Run.Args, " ")
}

func colorStatus(s run.Status) string {
	switch s {
	case run.StatusSuccess:
		return pterm.Green(string(s))
	case run.StatusFailed:
		return pterm.Red(string(s))
	case run.StatusKilled:
		return pterm.Yellow(string(s))
	case run.StatusActive:
		return pterm.Cyan(string(s))
	default:
		return string(s)
	}
}
