package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/metrics"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
)

func (m *Manager) startLaunch(j *job.Job, r *Run) {
	ctx, cancel := context.WithCancel(m.ctx)
	l := &launch{cancel: cancel}

	m.mu.Lock()
	m.launches[r.ID] = l
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.launches, r.ID)
			m.mu.Unlock()
		}()
		m.launch(ctx, l, j, r.ID)
	}()
}

// launch places and starts the first task of a run, retrying placement and
// retryable executor errors until attempts or the launch timeout run out
func (m *Manager) launch(ctx context.Context, l *launch, j *job.Job, runID string) {
	timeout := j.LaunchTimeout(m.cfg.LaunchTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx = logger.WithComponent(logger.WithRunID(logger.WithJobID(ctx, j.ID), runID), "launch")
	log := logger.LoggerFromContext(ctx, m.logger)
	started := m.now()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.launchFailed(l, runID, 0, errors.Wrapf(err, "waiting for a launch slot"), timeout)
		return
	}
	defer m.sem.Release(1)
	metrics.LaunchesInFlight.Inc()
	defer metrics.LaunchesInFlight.Dec()

	if err := m.limiter.Wait(ctx); err != nil {
		m.launchFailed(l, runID, 0, errors.Wrapf(err, "waiting for launch rate"), timeout)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxLaunchAttempts; attempt++ {
		lt, rep, err := m.tryLaunch(ctx, l, j, runID, attempt)
		if err == nil {
			metrics.LaunchAttempts.WithLabelValues("launched").Inc()
			metrics.LaunchDuration.Observe(m.now().Sub(started).Seconds())
			m.activate(l, runID, lt, rep)
			return
		}
		lastErr = err

		ec := executor.ClassifyError(err)
		metrics.LaunchAttempts.WithLabelValues(string(ec.Code)).Inc()
		log.Warnw("Launch attempt failed",
			logger.FieldAttempt, attempt,
			logger.FieldErrorKind, ec.Code,
			"retryable", ec.Retryable,
			"error", err)

		if ctx.Err() != nil || !ec.Retryable || attempt == m.cfg.MaxLaunchAttempts {
			m.launchFailed(l, runID, attempt, err, timeout)
			return
		}

		select {
		case <-ctx.Done():
			m.launchFailed(l, runID, attempt, ctx.Err(), timeout)
			return
		case <-time.After(m.cfg.RetryBackoff):
		}
	}
	m.launchFailed(l, runID, m.cfg.MaxLaunchAttempts, lastErr, timeout)
}

// tryLaunch makes one placement and launch attempt. The placed host is
// reserved for the run before the executor is called.
func (m *Manager) tryLaunch(ctx context.Context, l *launch, j *job.Job, runID string, attempt int) (*liveTask, *reporter, error) {
	hosts, err := m.inventory.Hosts(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to list hosts")
	}

	m.mu.Lock()
	if l.killed {
		m.mu.Unlock()
		return nil, nil, context.Canceled
	}
	host, err := m.evaluator.Place(j, hosts, m.allocationsLocked(runID))
	if err != nil {
		m.mu.Unlock()
		return nil, nil, errors.Wrapf(err, "job %s", j.ID)
	}
	lt := &liveTask{
		taskID:   TaskID(runID, attempt),
		host:     host,
		demand:   placement.Demand(j),
		job:      j,
		attempts: attempt,
	}
	m.tasks[runID] = lt
	m.mu.Unlock()

	rep := newReporter(m)
	task := &executor.Task{ID: lt.taskID, RunID: runID, JobID: j.ID, Host: host, Spec: j.Run}
	if err := m.exec.Launch(ctx, task, rep.report); err != nil {
		m.mu.Lock()
		if m.tasks[runID] == lt {
			delete(m.tasks, runID)
		}
		m.mu.Unlock()
		return nil, nil, err
	}
	return lt, rep, nil
}

// activate moves a launched run to ACTIVE, unless it was killed meanwhile
func (m *Manager) activate(l *launch, runID string, lt *liveTask, rep *reporter) {
	ctx := context.Background()

	m.mu.Lock()
	killed := l.killed
	m.mu.Unlock()
	if killed {
		m.killTask(ctx, lt.taskID)
		return
	}

	r, err := m.runs.Transition(ctx, runID, []Status{StatusInitial}, func(r *Run) {
		r.Status = StatusActive
		r.Host = lt.host.ID
		r.TaskID = lt.taskID
		r.Attempts = lt.attempts
		r.Message = ""
	})
	if err != nil {
		// Killed between launch and activation
		m.logger.Debugw("Launched run is no longer INITIAL", logger.FieldRunID, runID, "error", err)
		m.killTask(ctx, lt.taskID)
		m.releaseTask(runID, lt)
		return
	}

	if d := lt.job.Run.Restart.ActiveDeadlineSeconds; d > 0 {
		m.armDeadline(runID, lt, time.Duration(d)*time.Second)
	}

	logger.RunInfow(m.logger, "Run active",
		logger.FieldJobID, r.JobID,
		logger.FieldRunID, r.ID,
		logger.FieldFrom, string(StatusInitial),
		logger.FieldTo, string(r.Status),
		logger.FieldHost, r.Host,
		logger.FieldTaskID, r.TaskID,
		logger.FieldAttempt, r.Attempts)
	m.publish(r)
	rep.release()
}

func (m *Manager) launchFailed(l *launch, runID string, attempts int, cause error, timeout time.Duration) {
	m.mu.Lock()
	killed := l.killed
	m.mu.Unlock()
	if killed {
		return
	}

	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = fmt.Sprintf("launch timed out after %s", timeout)
	}
	_, err := m.finish(context.Background(), runID, []Status{StatusInitial}, StatusFailed, msg, func(r *Run) {
		if attempts > 0 {
			r.Attempts = attempts
		}
	})
	if err != nil && !errors.Is(err, errors.ErrAlreadyTerminal) {
		m.logger.Errorw("Failed to mark run failed", logger.FieldRunID, runID, "error", err)
	}
}

// HandleStatus applies a task status update. Updates of tasks that no longer
// back their run are stale and dropped; a run only moves forward.
func (m *Manager) HandleStatus(su executor.StatusUpdate) {
	ctx := context.Background()

	m.mu.Lock()
	lt := m.tasks[su.RunID]
	if lt == nil || lt.taskID == "" || lt.taskID != su.TaskID {
		m.mu.Unlock()
		m.logger.Debugw("Dropping stale task status",
			logger.FieldRunID, su.RunID,
			logger.FieldTaskID, su.TaskID,
			logger.FieldStatus, su.State)
		return
	}
	killing := lt.killing
	m.mu.Unlock()

	var err error
	switch su.State {
	case executor.TaskRunning:
		return
	case executor.TaskFinished:
		_, err = m.finish(ctx, su.RunID, []Status{StatusActive}, StatusSuccess, "", nil)
	case executor.TaskKilled:
		if killing {
			return
		}
		_, err = m.finish(ctx, su.RunID, []Status{StatusActive}, StatusKilled, orDefault(su.Message, "task killed"), nil)
	case executor.TaskFailed:
		if killing {
			return
		}
		msg := fmt.Sprintf("task exited with code %d", su.ExitCode)
		if su.Message != "" {
			msg += ": " + su.Message
		}
		if m.shouldRestart(lt) {
			m.restart(su.RunID, lt, msg)
			return
		}
		_, err = m.finish(ctx, su.RunID, []Status{StatusActive}, StatusFailed, msg, nil)
	}
	if err != nil && !errors.Is(err, errors.ErrAlreadyTerminal) {
		m.logger.Warnw("Failed to apply task status",
			logger.FieldRunID, su.RunID,
			logger.FieldTaskID, su.TaskID,
			"error", err)
	}
}

func (m *Manager) shouldRestart(lt *liveTask) bool {
	spec := lt.job.Run.Restart
	if spec.Policy != job.RestartOnFailure {
		return false
	}
	if spec.ActiveDeadlineSeconds > 0 {
		// bounded by the deadline timer
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return lt.attempts < m.cfg.MaxLaunchAttempts
}

// restart relaunches a failed task within the same run. The run stays ACTIVE.
func (m *Manager) restart(runID string, lt *liveTask, reason string) {
	m.mu.Lock()
	lt.taskID = ""
	attempt := lt.attempts + 1
	m.mu.Unlock()

	m.logger.Infow("Relaunching failed task",
		logger.FieldRunID, runID,
		logger.FieldAttempt, attempt,
		"reason", reason)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.relaunch(runID, lt, attempt, reason)
	}()
}

func (m *Manager) relaunch(runID string, lt *liveTask, attempt int, reason string) {
	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.cfg.RetryBackoff):
	}

	j := lt.job
	ctx, cancel := context.WithTimeout(m.ctx, j.LaunchTimeout(m.cfg.LaunchTimeout))
	defer cancel()

	fail := func(err error) {
		msg := fmt.Sprintf("relaunch after %q failed: %v", reason, err)
		if _, ferr := m.finish(context.Background(), runID, []Status{StatusActive}, StatusFailed, msg, nil); ferr != nil && !errors.Is(ferr, errors.ErrAlreadyTerminal) {
			m.logger.Errorw("Failed to mark run failed", logger.FieldRunID, runID, "error", ferr)
		}
	}

	hosts, err := m.inventory.Hosts(ctx)
	if err != nil {
		fail(err)
		return
	}
	m.mu.Lock()
	if lt.killing {
		m.mu.Unlock()
		return
	}
	host, err := m.evaluator.Place(j, hosts, m.allocationsLocked(runID))
	m.mu.Unlock()
	if err != nil {
		fail(err)
		return
	}

	rep := newReporter(m)
	task := &executor.Task{ID: TaskID(runID, attempt), RunID: runID, JobID: j.ID, Host: host, Spec: j.Run}
	if err := m.exec.Launch(ctx, task, rep.report); err != nil {
		fail(err)
		return
	}

	m.mu.Lock()
	if lt.killing {
		m.mu.Unlock()
		m.killTask(context.Background(), task.ID)
		return
	}
	lt.taskID = task.ID
	lt.host = host
	lt.attempts = attempt
	m.mu.Unlock()

	r, err := m.runs.Transition(context.Background(), runID, []Status{StatusActive}, func(r *Run) {
		r.Host = host.ID
		r.TaskID = task.ID
		r.Attempts = attempt
		r.Message = "relaunched after: " + reason
	})
	if err != nil {
		m.killTask(context.Background(), task.ID)
		return
	}
	m.publish(r)
	rep.release()
}

func (m *Manager) armDeadline(runID string, lt *liveTask, d time.Duration) {
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		_, err := m.terminate(context.Background(), runID, []Status{StatusActive}, StatusFailed, "active deadline exceeded")
		if err != nil && !errors.Is(err, errors.ErrAlreadyTerminal) {
			m.logger.Warnw("Failed to expire run", logger.FieldRunID, runID, "error", err)
		}
	})
	m.mu.Lock()
	lt.deadline = timer
	m.mu.Unlock()
}

// reporter holds back status updates of a task until its run records the
// task, so a task finishing during launch cannot overtake activation
type reporter struct {
	m *Manager

	mu      sync.Mutex
	open    bool
	pending []executor.StatusUpdate
}

func newReporter(m *Manager) *reporter {
	return &reporter{m: m}
}

func (rp *reporter) report(su executor.StatusUpdate) {
	rp.mu.Lock()
	if !rp.open {
		rp.pending = append(rp.pending, su)
		rp.mu.Unlock()
		return
	}
	rp.mu.Unlock()
	rp.m.HandleStatus(su)
}

func (rp *reporter) release() {
	rp.mu.Lock()
	rp.open = true
	pending := rp.pending
	rp.pending = nil
	rp.mu.Unlock()

	for _, su := range pending {
		rp.m.HandleStatus(su)
	}
}
