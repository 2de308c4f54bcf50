package executor

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// outputTail is how much trailing output is kept for failure messages
const outputTail = 2048

// pipeGrace bounds how long Wait keeps reading output after the task's
// process exits, in case a stray descendant still holds the pipe
const pipeGrace = 2 * time.Second

// Local runs tasks as child processes of this process.
// cmd runs through /bin/sh -c; args are executed directly.
type Local struct {
	shell  string
	logger *zap.SugaredLogger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd    *exec.Cmd
	killed bool
}

// NewLocal creates a local process executor
func NewLocal(log *zap.SugaredLogger) *Local {
	if log == nil {
		log = logger.Logger
	}
	return &Local{
		shell:  "/bin/sh",
		logger: log.Named("local"),
		procs:  make(map[string]*localProc),
	}
}

// Name implements Executor
func (l *Local) Name() string { return "local" }

// Launch implements Executor
func (l *Local) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	if task.Spec.Docker != nil && task.Spec.Docker.Image != "" {
		return Permanent(errors.Newf("task %s needs a container runtime", task.ID))
	}

	argv, err := l.argv(task)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	startOwnGroup(cmd)
	cmd.WaitDelay = pipeGrace
	cmd.Env = os.Environ()
	env := taskEnv(task)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	tail := &tailBuffer{max: outputTail}
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start task %s", task.ID)
	}

	proc := &localProc{cmd: cmd}
	l.mu.Lock()
	l.procs[task.ID] = proc
	l.mu.Unlock()

	l.logger.Infow("Task started",
		logger.FieldTaskID, task.ID,
		logger.FieldRunID, task.RunID,
		"pid", cmd.Process.Pid,
		"command", shellquote.Join(argv...))
	report(update(task, TaskRunning, 0, ""))

	go l.wait(task, proc, tail, report)
	return nil
}

func (l *Local) wait(task *Task, proc *localProc, tail *tailBuffer, report ReportFunc) {
	err := proc.cmd.Wait()

	l.mu.Lock()
	delete(l.procs, task.ID)
	killed := proc.killed
	l.mu.Unlock()

	exitCode := proc.cmd.ProcessState.ExitCode()
	switch {
	case killed:
		report(update(task, TaskKilled, exitCode, "killed"))
	case err == nil:
		report(update(task, TaskFinished, 0, ""))
	default:
		msg := err.Error()
		if out := tail.String(); out != "" {
			msg += ": " + out
		}
		report(update(task, TaskFailed, exitCode, msg))
	}

	l.logger.Infow("Task exited",
		logger.FieldTaskID, task.ID,
		"exit_code", exitCode,
		"killed", killed)
}

func (l *Local) argv(task *Task) ([]string, error) {
	if len(task.Spec.Args) > 0 {
		return task.Spec.Args, nil
	}
	if task.Spec.Cmd == "" {
		return nil, Permanent(errors.Newf("task %s has nothing to run", task.ID))
	}
	return []string{l.shell, "-c", task.Spec.Cmd}, nil
}

// Kill implements Executor. The whole process group of the task is killed.
func (l *Local) Kill(ctx context.Context, taskID string) error {
	l.mu.Lock()
	proc, ok := l.procs[taskID]
	if ok {
		proc.killed = true
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := killGroup(proc.cmd); err != nil {
		return errors.Wrapf(err, "failed to kill task %s", taskID)
	}
	return nil
}

// Running returns the number of live child processes
func (l *Local) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
