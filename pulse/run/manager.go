package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/metrics"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/events"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
)

// Config bounds how runs are launched
type Config struct {
	LaunchTimeout         time.Duration // default when a job sets no maxLaunchDelay
	MaxLaunchAttempts     int
	RetryBackoff          time.Duration
	MaxConcurrentLaunches int64
	LaunchRate            float64 // launches per second, 0 = unlimited
	HistoryLimit          int     // finished runs kept per job
}

// DefaultConfig returns the launch defaults
func DefaultConfig() Config {
	return Config{
		LaunchTimeout:         30 * time.Second,
		MaxLaunchAttempts:     3,
		RetryBackoff:          500 * time.Millisecond,
		MaxConcurrentLaunches: 16,
		HistoryLimit:          10,
	}
}

// ConfigFrom converts the [runs] config section
func ConfigFrom(c am.RunsConfig) Config {
	cfg := Config{
		LaunchTimeout:         time.Duration(c.LaunchTimeoutSeconds) * time.Second,
		MaxLaunchAttempts:     c.MaxLaunchAttempts,
		RetryBackoff:          time.Duration(c.RetryBackoffMS) * time.Millisecond,
		MaxConcurrentLaunches: int64(c.MaxConcurrentLaunches),
		LaunchRate:            c.LaunchRatePerSecond,
		HistoryLimit:          c.HistoryLimit,
	}
	def := DefaultConfig()
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = def.LaunchTimeout
	}
	if cfg.MaxLaunchAttempts < 1 {
		cfg.MaxLaunchAttempts = 1
	}
	if cfg.MaxConcurrentLaunches < 1 {
		cfg.MaxConcurrentLaunches = def.MaxConcurrentLaunches
	}
	return cfg
}

// TriggerOptions controls a single trigger
type TriggerOptions struct {
	Trigger         string // "manual" or "schedule:<id>"
	AllowConcurrent bool   // start even if the job has an active run
}

// Manager owns the run lifecycle:
//
//	INITIAL ──launch──▶ ACTIVE ──task finished──▶ SUCCESS
//	   │                  ├─────task failed────▶ FAILED (or relaunch on ON_FAILURE)
//	   └──────kill────────┴──────kill──────────▶ KILLED
//	INITIAL ──launch exhausted or timed out──▶ FAILED
//
// Triggers of one job are serialized. Launches run in the background,
// bounded by a semaphore and a rate limiter.
type Manager struct {
	runs      *Store
	jobs      *job.Store
	inventory placement.Inventory
	evaluator *placement.Evaluator
	exec      executor.Executor
	events    events.Publisher
	cfg       Config
	logger    *zap.SugaredLogger
	now       func() time.Time

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	jobMu    sync.Mutex
	jobLocks map[string]*sync.Mutex

	mu       sync.Mutex
	launches map[string]*launch   // run id -> launch in progress
	tasks    map[string]*liveTask // run id -> task holding a host

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type launch struct {
	cancel context.CancelFunc
	killed bool
}

// liveTask is the task currently backing a run
type liveTask struct {
	taskID   string // empty while a relaunch is in progress
	host     *placement.Host
	demand   placement.Resources
	job      *job.Job
	attempts int
	killing  bool
	deadline *time.Timer
}

// NewManager creates a run manager. A nil publisher discards events.
func NewManager(runs *Store, jobs *job.Store, inventory placement.Inventory, exec executor.Executor, pub events.Publisher, cfg Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logger.Logger
	}
	if pub == nil {
		pub = events.Discard
	}
	limit := rate.Inf
	burst := 1
	if cfg.LaunchRate > 0 {
		limit = rate.Limit(cfg.LaunchRate)
		if b := int(cfg.LaunchRate); b > 1 {
			burst = b
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runs:      runs,
		jobs:      jobs,
		inventory: inventory,
		evaluator: placement.NewEvaluator(),
		exec:      exec,
		events:    pub,
		cfg:       cfg,
		logger:    log.Named("runs"),
		now:       time.Now,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentLaunches),
		limiter:   rate.NewLimiter(limit, burst),
		jobLocks:  make(map[string]*sync.Mutex),
		launches:  make(map[string]*launch),
		tasks:     make(map[string]*liveTask),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) lockJob(jobID string) func() {
	m.jobMu.Lock()
	l, ok := m.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.jobLocks[jobID] = l
	}
	m.jobMu.Unlock()

	l.Lock()
	return l.Unlock
}

// TaskID names the task of a run's nth launch attempt
func TaskID(runID string, attempt int) string {
	return fmt.Sprintf("%s.%d", runID, attempt)
}

// Trigger creates a run of jobID and launches it in the background.
// Returns ErrNotFound for an unknown job and ErrConflict when the job has an
// active run and opts.AllowConcurrent is false.
func (m *Manager) Trigger(ctx context.Context, jobID string, opts TriggerOptions) (*Run, error) {
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	unlock := m.lockJob(jobID)
	defer unlock()

	if !opts.AllowConcurrent {
		n, err := m.runs.CountActive(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, errors.NewConflictError("job %s already has an active run", jobID)
		}
	}

	r := &Run{
		ID:        NewID(m.now()),
		JobID:     jobID,
		Status:    StatusInitial,
		Trigger:   opts.Trigger,
		CreatedAt: m.now().UTC(),
	}
	if err := m.runs.Create(ctx, r); err != nil {
		return nil, err
	}

	metrics.RunsTriggered.WithLabelValues(TriggerKind(r.Trigger)).Inc()
	logger.RunInfow(m.logger, "Run triggered",
		logger.FieldJobID, jobID,
		logger.FieldRunID, r.ID,
		logger.FieldTrigger, r.Trigger)
	m.publish(r)

	m.startLaunch(j, r)
	created := *r
	return &created, nil
}

// TriggerFromSchedule starts a run for a schedule window
func (m *Manager) TriggerFromSchedule(ctx context.Context, jobID, scheduleID string, allowConcurrent bool) (string, error) {
	r, err := m.Trigger(ctx, jobID, TriggerOptions{
		Trigger:         ScheduleTrigger(scheduleID),
		AllowConcurrent: allowConcurrent,
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Kill stops a run. Killing a finished run is a no-op returning the run.
func (m *Manager) Kill(ctx context.Context, jobID, runID string) (*Run, error) {
	r, err := m.runs.GetForJob(ctx, jobID, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return r, nil
	}

	killed, err := m.terminate(ctx, runID, []Status{StatusInitial, StatusActive}, StatusKilled, "killed")
	if errors.Is(err, errors.ErrAlreadyTerminal) {
		return killed, nil
	}
	return killed, err
}

// KillActive kills every INITIAL or ACTIVE run of a job
func (m *Manager) KillActive(ctx context.Context, jobID string) error {
	active, err := m.runs.List(ctx, jobID, true)
	if err != nil {
		return err
	}
	for _, r := range active {
		if _, err := m.Kill(ctx, jobID, r.ID); err != nil {
			return errors.Wrapf(err, "failed to kill run %s", r.ID)
		}
	}
	return nil
}

// RemoveJob deletes a job. With active runs it is a conflict, unless force
// is set, in which case the runs are killed first.
func (m *Manager) RemoveJob(ctx context.Context, jobID string, force bool) error {
	if _, err := m.jobs.Get(ctx, jobID); err != nil {
		return err
	}

	unlock := m.lockJob(jobID)
	defer unlock()

	n, err := m.runs.CountActive(ctx, jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		if !force {
			return errors.WithHint(
				errors.NewConflictError("job %s has %d active run(s)", jobID, n),
				"stop them first or pass stopCurrentJobRuns=true")
		}
		if err := m.KillActive(ctx, jobID); err != nil {
			return err
		}
	}
	return m.jobs.Delete(ctx, jobID)
}

// terminate ends a run: cancels its pending launch, kills its task and
// stores the final status
func (m *Manager) terminate(ctx context.Context, runID string, from []Status, to Status, msg string) (*Run, error) {
	m.mu.Lock()
	if l, ok := m.launches[runID]; ok {
		l.killed = true
		l.cancel()
	}
	var taskID string
	if lt, ok := m.tasks[runID]; ok {
		lt.killing = true
		taskID = lt.taskID
	}
	m.mu.Unlock()

	if taskID != "" {
		m.killTask(ctx, taskID)
	}
	return m.finish(ctx, runID, from, to, msg, nil)
}

func (m *Manager) killTask(ctx context.Context, taskID string) {
	if err := m.exec.Kill(ctx, taskID); err != nil {
		m.logger.Warnw("Failed to kill task", logger.FieldTaskID, taskID, "error", err)
	}
}

// finish stores a terminal status, releases the run's host and prunes history
func (m *Manager) finish(ctx context.Context, runID string, from []Status, to Status, msg string, change func(*Run)) (*Run, error) {
	r, err := m.runs.Transition(ctx, runID, from, func(r *Run) {
		r.Status = to
		r.Message = msg
		if change != nil {
			change(r)
		}
	})
	if err != nil {
		return r, err
	}

	m.mu.Lock()
	lt := m.tasks[runID]
	m.mu.Unlock()
	if lt != nil {
		m.releaseTask(runID, lt)
	}

	metrics.RunsFinished.WithLabelValues(string(to)).Inc()
	logger.RunInfow(m.logger, "Run finished",
		logger.FieldJobID, r.JobID,
		logger.FieldRunID, r.ID,
		logger.FieldStatus, r.Status,
		"message", r.Message)
	m.publish(r)

	if m.cfg.HistoryLimit > 0 {
		if n, err := m.runs.Prune(ctx, r.JobID, m.cfg.HistoryLimit); err != nil {
			m.logger.Warnw("Failed to prune run history", logger.FieldJobID, r.JobID, "error", err)
		} else if n > 0 {
			m.logger.Debugw("Pruned run history", logger.FieldJobID, r.JobID, logger.FieldCount, n)
		}
	}
	return r, nil
}

func (m *Manager) releaseTask(runID string, lt *liveTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lt.deadline != nil {
		lt.deadline.Stop()
	}
	if m.tasks[runID] == lt {
		delete(m.tasks, runID)
	}
}

// allocationsLocked sums the resources held per host, excluding one run.
// Caller holds m.mu.
func (m *Manager) allocationsLocked(exclude string) placement.Allocations {
	alloc := make(placement.Allocations)
	for runID, lt := range m.tasks {
		if runID == exclude || lt.host == nil {
			continue
		}
		alloc[lt.host.ID] = alloc[lt.host.ID].Add(lt.demand)
	}
	return alloc
}

// GetRun returns a run of a job
func (m *Manager) GetRun(ctx context.Context, jobID, runID string) (*Run, error) {
	return m.runs.GetForJob(ctx, jobID, runID)
}

// ListRuns returns the runs of a job, newest first
func (m *Manager) ListRuns(ctx context.Context, jobID string, activeOnly bool) ([]*Run, error) {
	if ok, err := m.jobs.Exists(ctx, jobID); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.NewNotFoundError("job %s", jobID)
	}
	return m.runs.List(ctx, jobID, activeOnly)
}

// History returns finished-run counters and recent finished runs of a job
func (m *Manager) History(ctx context.Context, jobID string) (*History, error) {
	limit := m.cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultConfig().HistoryLimit
	}
	return m.runs.History(ctx, jobID, limit)
}

// Recover reconciles runs left by a previous process. INITIAL runs never
// launched and are failed. ACTIVE runs are reattached when the executor can
// still track their task, and failed otherwise.
func (m *Manager) Recover(ctx context.Context) (reattached, failed int, err error) {
	stale, err := m.runs.ListByStatus(ctx, StatusInitial, StatusActive)
	if err != nil {
		return 0, 0, err
	}

	var hosts []*placement.Host
	if len(stale) > 0 {
		if hosts, err = m.inventory.Hosts(ctx); err != nil {
			m.logger.Warnw("Host inventory unavailable during recovery", "error", err)
		}
	}

	for _, r := range stale {
		if r.Status == StatusActive && m.reattach(ctx, r, hosts) {
			reattached++
			continue
		}
		msg := "scheduler restarted before launch"
		if r.Status == StatusActive {
			msg = "task lost when the scheduler restarted"
		}
		if _, err := m.finish(ctx, r.ID, []Status{r.Status}, StatusFailed, msg, nil); err != nil && !errors.Is(err, errors.ErrAlreadyTerminal) {
			return reattached, failed, err
		}
		failed++
	}

	if reattached+failed > 0 {
		logger.PulseInfow(m.logger, "Recovered runs", "reattached", reattached, "failed", failed)
	}
	return reattached, failed, nil
}

func (m *Manager) reattach(ctx context.Context, r *Run, hosts []*placement.Host) bool {
	ra, ok := m.exec.(executor.Reattacher)
	if !ok || r.TaskID == "" {
		return false
	}
	j, err := m.jobs.Get(ctx, r.JobID)
	if err != nil {
		return false
	}

	host := &placement.Host{ID: r.Host, Hostname: r.Host}
	for _, h := range hosts {
		if h.ID == r.Host {
			host = h
			break
		}
	}

	lt := &liveTask{taskID: r.TaskID, host: host, demand: placement.Demand(j), job: j, attempts: r.Attempts}
	m.mu.Lock()
	m.tasks[r.ID] = lt
	m.mu.Unlock()

	rep := newReporter(m)
	task := &executor.Task{ID: r.TaskID, RunID: r.ID, JobID: j.ID, Host: host, Spec: j.Run}
	if !ra.Reattach(task, rep.report) {
		m.releaseTask(r.ID, lt)
		return false
	}

	if d := j.Run.Restart.ActiveDeadlineSeconds; d > 0 {
		m.armDeadline(r.ID, lt, r.UpdatedAt.Add(time.Duration(d)*time.Second).Sub(m.now()))
	}
	m.logger.Infow("Reattached active run", logger.FieldRunID, r.ID, logger.FieldTaskID, r.TaskID, logger.FieldHost, r.Host)
	rep.release()
	return true
}

// Stop cancels pending launches and waits for background work to end.
// Launched tasks keep running.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	for _, lt := range m.tasks {
		if lt.deadline != nil {
			lt.deadline.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Stats is a snapshot of in-memory run state
type Stats struct {
	PendingLaunches int `json:"pendingLaunches"`
	LiveTasks       int `json:"liveTasks"`
}

// GetStats returns the number of pending launches and live tasks
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{PendingLaunches: len(m.launches), LiveTasks: len(m.tasks)}
}

func (m *Manager) publish(r *Run) {
	m.events.Publish(events.RunEvent{
		Type:    events.TypeRunUpdate,
		JobID:   r.JobID,
		RunID:   r.ID,
		Status:  string(r.Status),
		Trigger: r.Trigger,
		Host:    r.Host,
		TaskID:  r.TaskID,
		Attempt: r.Attempts,
		Message: r.Message,
		At:      r.UpdatedAt,
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
