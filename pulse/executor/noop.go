package executor

import (
	"context"
)

// Noop reports every task as started and finished without running it.
// Useful for dry runs of schedules.
type Noop struct{}

// NewNoop creates a no-op executor
func NewNoop() *Noop { return &Noop{} }

// Name implements Executor
func (n *Noop) Name() string { return "noop" }

// Launch implements Executor
func (n *Noop) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report(update(task, TaskRunning, 0, ""))
	go report(update(task, TaskFinished, 0, "noop"))
	return nil
}

// Kill implements Executor
func (n *Noop) Kill(ctx context.Context, taskID string) error { return nil }
