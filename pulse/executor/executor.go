// Package executor launches run tasks on hosts and reports their status.
//
// An Executor starts a task and returns once it is running; everything after
// that arrives through the ReportFunc given to Launch. Backends:
//   - local: a child process of the scheduler
//   - docker: a container on the docker daemon of the placed host
//   - agent: a task handed to `metronome agent` on the placed host via etcd
//   - noop: reports success without running anything
package executor

import (
	"context"
	"time"

	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
)

// TaskState is the state of a launched task
type TaskState string

const (
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED" // exit code 0
	TaskFailed   TaskState = "FAILED"
	TaskKilled   TaskState = "KILLED"
)

// IsTerminal reports whether no further updates follow this state
func (s TaskState) IsTerminal() bool {
	return s == TaskFinished || s == TaskFailed || s == TaskKilled
}

// Task is one launch of a run on a host
type Task struct {
	ID    string          `json:"id"` // <run id>.<attempt>
	RunID string          `json:"runId"`
	JobID string          `json:"jobId"`
	Host  *placement.Host `json:"host"`
	Spec  job.RunSpec     `json:"spec"`
}

// StatusUpdate reports a task state change
type StatusUpdate struct {
	TaskID   string    `json:"taskId"`
	RunID    string    `json:"runId"`
	State    TaskState `json:"state"`
	ExitCode int       `json:"exitCode"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// ReportFunc receives status updates of a launched task.
// It may be called from any goroutine, and after Launch returns.
type ReportFunc func(StatusUpdate)

// Executor launches and kills tasks
type Executor interface {
	// Name identifies the backend (local, docker, agent, noop)
	Name() string

	// Launch starts the task and returns once it is running.
	// ctx bounds the launch only, not the task's lifetime.
	Launch(ctx context.Context, task *Task, report ReportFunc) error

	// Kill stops a running task. Killing an unknown or finished task is not an error.
	Kill(ctx context.Context, taskID string) error
}

func update(task *Task, state TaskState, exitCode int, msg string) StatusUpdate {
	return StatusUpdate{
		TaskID:   task.ID,
		RunID:    task.RunID,
		State:    state,
		ExitCode: exitCode,
		Message:  msg,
		At:       time.Now().UTC(),
	}
}

// taskEnv is the environment every task receives on top of the job's env
func taskEnv(task *Task) map[string]string {
	env := make(map[string]string, len(task.Spec.Env)+3)
	for k, v := range task.Spec.Env {
		env[k] = v
	}
	env["METRONOME_JOB_ID"] = task.JobID
	env["METRONOME_RUN_ID"] = task.RunID
	env["METRONOME_TASK_ID"] = task.ID
	return env
}

// Reattacher is implemented by backends whose tasks outlive the scheduler
// process. Reattach resumes status delivery for a task launched before a
// restart and reports whether the backend can still track it.
type Reattacher interface {
	Reattach(task *Task, report ReportFunc) bool
}
