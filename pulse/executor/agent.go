package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/placement"
)

// Tasks are handed to agents through etcd:
//
//	<task_prefix><host id>/<task id>  Task, written by the scheduler, deleted to kill
//	<status_prefix><task id>          StatusUpdate, written by the agent
//
// The scheduler deletes both keys once it has seen a terminal status.

// etcdKV is the part of the etcd client the task protocol needs
type etcdKV interface {
	clientv3.KV
	clientv3.Watcher
}

func withSlash(prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefix
}

// Remote launches tasks on agents through etcd
type Remote struct {
	client       etcdKV
	taskPrefix   string
	statusPrefix string
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	reports map[string]ReportFunc
	keys    map[string]string // task id -> task key
}

// NewRemote creates the scheduler side of the agent protocol.
// Start must run for status updates to be delivered.
func NewRemote(client etcdKV, cfg am.EtcdConfig, log *zap.SugaredLogger) *Remote {
	if log == nil {
		log = logger.Logger
	}
	return &Remote{
		client:       client,
		taskPrefix:   withSlash(cfg.TaskPrefix),
		statusPrefix: withSlash(cfg.StatusPrefix),
		logger:       log.Named("remote"),
		reports:      make(map[string]ReportFunc),
		keys:         make(map[string]string),
	}
}

// Name implements Executor
func (r *Remote) Name() string { return "agent" }

// Launch implements Executor
func (r *Remote) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	if task.Host == nil {
		return Permanent(errors.Newf("task %s has no host", task.ID))
	}
	data, err := json.Marshal(task)
	if err != nil {
		return Permanent(errors.Wrap(err, "failed to encode task"))
	}
	key := r.taskPrefix + task.Host.ID + "/" + task.ID

	r.mu.Lock()
	r.reports[task.ID] = report
	r.keys[task.ID] = key
	r.mu.Unlock()

	if _, err := r.client.Put(ctx, key, string(data)); err != nil {
		r.forget(task.ID)
		return errors.Wrapf(err, "failed to hand task %s to host %s", task.ID, task.Host.ID)
	}
	r.logger.Debugw("Task handed to agent", logger.FieldTaskID, task.ID, logger.FieldHost, task.Host.ID)
	return nil
}

// Reattach implements Reattacher. Statuses the agent wrote while the
// scheduler was down are picked up by Start.
func (r *Remote) Reattach(task *Task, report ReportFunc) bool {
	if task.Host == nil || task.Host.ID == "" {
		return false
	}
	r.mu.Lock()
	r.reports[task.ID] = report
	r.keys[task.ID] = r.taskPrefix + task.Host.ID + "/" + task.ID
	r.mu.Unlock()
	return true
}

// Kill implements Executor
func (r *Remote) Kill(ctx context.Context, taskID string) error {
	r.mu.Lock()
	key, ok := r.keys[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "failed to revoke task %s", taskID)
	}
	return nil
}

// Start delivers status updates until ctx is cancelled
func (r *Remote) Start(ctx context.Context) error {
	resp, err := r.client.Get(ctx, r.statusPrefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "failed to read task statuses")
	}
	for _, kv := range resp.Kvs {
		r.handleStatus(ctx, kv.Value)
	}

	watch := r.client.Watch(ctx, r.statusPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range watch {
		if err := wr.Err(); err != nil {
			return errors.Wrap(err, "task status watch failed")
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypePut {
				r.handleStatus(ctx, ev.Kv.Value)
			}
		}
	}
	return ctx.Err()
}

func (r *Remote) handleStatus(ctx context.Context, value []byte) {
	var su StatusUpdate
	if err := json.Unmarshal(value, &su); err != nil {
		r.logger.Warnw("Ignoring undecodable task status", "error", err)
		return
	}

	r.mu.Lock()
	report, ok := r.reports[su.TaskID]
	r.mu.Unlock()

	if ok {
		report(su)
	} else {
		r.logger.Debugw("Status for unknown task", logger.FieldTaskID, su.TaskID, logger.FieldStatus, su.State)
	}
	if !su.State.IsTerminal() {
		return
	}

	r.mu.Lock()
	key := r.keys[su.TaskID]
	r.mu.Unlock()
	r.forget(su.TaskID)

	if _, err := r.client.Delete(ctx, r.statusPrefix+su.TaskID); err != nil {
		r.logger.Warnw("Failed to clear task status", logger.FieldTaskID, su.TaskID, "error", err)
	}
	if key != "" {
		if _, err := r.client.Delete(ctx, key); err != nil {
			r.logger.Warnw("Failed to clear task", logger.FieldTaskID, su.TaskID, "error", err)
		}
	}
}

func (r *Remote) forget(taskID string) {
	r.mu.Lock()
	delete(r.reports, taskID)
	delete(r.keys, taskID)
	r.mu.Unlock()
}

// Agent runs the tasks handed to one host
type Agent struct {
	host         *placement.Host
	client       etcdKV
	registry     *placement.EtcdRegistry
	exec         Executor
	taskPrefix   string
	statusPrefix string
	logger       *zap.SugaredLogger
}

// NewAgent creates the worker side of the agent protocol.
// A nil registry skips host registration.
func NewAgent(client etcdKV, registry *placement.EtcdRegistry, cfg am.EtcdConfig, host *placement.Host, exec Executor, log *zap.SugaredLogger) *Agent {
	if log == nil {
		log = logger.Logger
	}
	return &Agent{
		host:         host,
		client:       client,
		registry:     registry,
		exec:         exec,
		taskPrefix:   withSlash(cfg.TaskPrefix) + host.ID + "/",
		statusPrefix: withSlash(cfg.StatusPrefix),
		logger:       log.Named("agent").With(logger.FieldHost, host.ID),
	}
}

// Run registers the host and executes tasks until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.registry != nil {
		g.Go(func() error { return a.registry.Register(ctx, a.host) })
	}
	g.Go(func() error { return a.watchTasks(ctx) })
	return g.Wait()
}

func (a *Agent) watchTasks(ctx context.Context) error {
	resp, err := a.client.Get(ctx, a.taskPrefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "failed to read assigned tasks")
	}
	// Tasks left over from a previous agent process are no longer running here
	for _, kv := range resp.Kvs {
		var task Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			a.logger.Warnw("Dropping undecodable task", "key", string(kv.Key), "error", err)
			a.client.Delete(ctx, string(kv.Key))
			continue
		}
		a.report(update(&task, TaskFailed, -1, "agent restarted"))
	}

	logger.PulseOpenInfow(a.logger, "Agent waiting for tasks", "prefix", a.taskPrefix)
	watch := a.client.Watch(ctx, a.taskPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range watch {
		if err := wr.Err(); err != nil {
			return errors.Wrap(err, "task watch failed")
		}
		for _, ev := range wr.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				if ev.IsCreate() {
					a.launch(ctx, ev.Kv.Value)
				}
			case clientv3.EventTypeDelete:
				taskID := strings.TrimPrefix(string(ev.Kv.Key), a.taskPrefix)
				if err := a.exec.Kill(ctx, taskID); err != nil {
					a.logger.Warnw("Failed to kill task", logger.FieldTaskID, taskID, "error", err)
				}
			}
		}
	}
	logger.PulseCloseInfow(a.logger, "Agent stopped")
	return nil
}

func (a *Agent) launch(ctx context.Context, value []byte) {
	var task Task
	if err := json.Unmarshal(value, &task); err != nil {
		a.logger.Warnw("Ignoring undecodable task", "error", err)
		return
	}
	task.Host = a.host
	a.logger.Infow("Task received", logger.FieldTaskID, task.ID, logger.FieldJobID, task.JobID)

	if err := a.exec.Launch(ctx, &task, a.report); err != nil {
		a.report(update(&task, TaskFailed, -1, err.Error()))
	}
}

func (a *Agent) report(su StatusUpdate) {
	data, err := json.Marshal(su)
	if err != nil {
		a.logger.Errorw("Failed to encode task status", logger.FieldTaskID, su.TaskID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.client.Put(ctx, a.statusPrefix+su.TaskID, string(data)); err != nil {
		a.logger.Warnw("Failed to report task status", logger.FieldTaskID, su.TaskID, logger.FieldStatus, su.State, "error", err)
	}
}
