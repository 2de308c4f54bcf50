package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
	"github.com/teranos/metronome/server"
	"github.com/teranos/metronome/sym"
)

// ServerCmd starts the scheduler
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   sym.Pulse + " Start the scheduler and its REST API",
	Long: sym.Pulse + ` Start the metronome scheduler in the foreground.

The server:
- Recovers runs left INITIAL or ACTIVE by a previous process
- Dispatches cron schedules from its last checkpoint
- Places runs on eligible hosts and tracks them to completion
- Serves the REST API, liveness (/ping) and readiness (/v1/health)

Ctrl+C drains the API and stops the dispatcher. Launched tasks keep running
and are reattached on the next start.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "API port (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	log := logger.Logger

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	printStartupBanner(verbosity, cfg, dbPath)

	var etcd *clientv3.Client
	if needsEtcd(cfg) {
		etcd, err = placement.NewEtcdClient(cfg.Placement.Etcd)
		if err != nil {
			return err
		}
		defer etcd.Close()
	}

	inventory, static, err := buildInventory(cfg, etcd, log)
	if err != nil {
		return err
	}
	if stop := watchStaticHosts(static, log); stop != nil {
		defer stop()
	}

	exec, err := buildExecutor(cfg, etcd, log)
	if err != nil {
		return err
	}
	defer exec.Close()

	bus, pub, closePub, err := buildPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer closePub()

	jobs := job.NewStore(database)
	runs := run.NewManager(run.NewStore(database), jobs, inventory, exec.registry, pub, run.ConfigFrom(cfg.Runs), log)
	defer runs.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if exec.remote != nil {
		g.Go(func() error { return ignoreCanceled(exec.remote.Start(gctx)) })
	}

	reattached, failed, err := runs.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover runs")
	}
	if reattached+failed > 0 {
		pterm.Info.Printf("Recovered runs: %d reattached, %d failed\n", reattached, failed)
	}

	deps := server.Deps{
		DB:        database,
		Jobs:      jobs,
		Schedules: schedule.NewStore(database),
		Runs:      runs,
		Bus:       bus,
		Config:    cfg,
		Logger:    log,
	}

	var dispatcher *schedule.Dispatcher
	if cfg.Dispatcher.Enabled {
		dispatcher = schedule.NewDispatcher(deps.Schedules, schedule.NewCheckpoints(database), runs, schedule.DispatcherConfig{
			Interval:      time.Duration(cfg.Dispatcher.TickIntervalSeconds) * time.Second,
			FireRetention: time.Duration(cfg.Dispatcher.FireRetentionHours) * time.Hour,
		}, log)
		dispatcher.Start(gctx)
		defer dispatcher.Stop()
		deps.Dispatcher = dispatcher
	} else {
		pterm.Warning.Println("Dispatcher disabled: schedules will not fire")
	}

	srv := server.New(deps)
	errCh, err := srv.Start()
	if err != nil {
		return errors.Wrap(err, "server failed to start")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Only the agent status watch runs in the group; a nil channel never fires
	var bgDone chan error
	if exec.remote != nil {
		bgDone = make(chan error, 1)
		go func() { bgDone <- g.Wait() }()
	}

	var runErr error
	select {
	case err := <-errCh:
		runErr = err
	case err := <-bgDone:
		runErr = errors.Wrap(err, "agent status watch stopped")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		sctx, scancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer scancel()
		err := srv.Shutdown(sctx)
		if dispatcher != nil {
			dispatcher.Stop()
		}
		cancel()
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		if runErr != nil {
			return runErr
		}
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}
