package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
)

// collector gathers status updates of one task
type collector struct {
	ch chan StatusUpdate
}

func newCollector() *collector {
	return &collector{ch: make(chan StatusUpdate, 16)}
}

func (c *collector) report(su StatusUpdate) { c.ch <- su }

// next returns the next update or fails the test after a timeout
func (c *collector) next(t *testing.T) StatusUpdate {
	t.Helper()
	select {
	case su := <-c.ch:
		return su
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task status")
		return StatusUpdate{}
	}
}

// terminal skips to the first terminal update
func (c *collector) terminal(t *testing.T) StatusUpdate {
	t.Helper()
	for {
		su := c.next(t)
		if su.State.IsTerminal() {
			return su
		}
	}
}

func newTask(id string, spec job.RunSpec) *Task {
	return &Task{
		ID:    id + ".1",
		RunID: id,
		JobID: "backup",
		Host:  &placement.Host{ID: "local", Hostname: "localhost"},
		Spec:  spec,
	}
}

func TestLocalRunsCommand(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	c := newCollector()

	task := newTask("r1", job.RunSpec{Cmd: "exit 0"})
	require.NoError(t, l.Launch(context.Background(), task, c.report))

	first := c.next(t)
	assert.Equal(t, TaskRunning, first.State)
	assert.Equal(t, task.ID, first.TaskID)
	assert.Equal(t, "r1", first.RunID)

	last := c.terminal(t)
	assert.Equal(t, TaskFinished, last.State)
	assert.Equal(t, 0, last.ExitCode)
	assert.Equal(t, 0, l.Running())
}

func TestLocalReportsFailureWithOutput(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	c := newCollector()

	task := newTask("r2", job.RunSpec{Cmd: "echo disk full >&2; exit 3"})
	require.NoError(t, l.Launch(context.Background(), task, c.report))

	last := c.terminal(t)
	assert.Equal(t, TaskFailed, last.State)
	assert.Equal(t, 3, last.ExitCode)
	assert.Contains(t, last.Message, "disk full")
}

func TestLocalArgsRunWithoutShell(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	c := newCollector()

	task := newTask("r3", job.RunSpec{Args: []string{"/bin/sh", "-c", "test \"$METRONOME_RUN_ID\" = r3 && test \"$GREETING\" = hi"}, Env: map[string]string{"GREETING": "hi"}})
	require.NoError(t, l.Launch(context.Background(), task, c.report))

	assert.Equal(t, TaskFinished, c.terminal(t).State)
}

func TestLocalKill(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	c := newCollector()

	task := newTask("r4", job.RunSpec{Cmd: "sleep 30"})
	require.NoError(t, l.Launch(context.Background(), task, c.report))
	assert.Equal(t, TaskRunning, c.next(t).State)
	assert.Equal(t, 1, l.Running())

	require.NoError(t, l.Kill(context.Background(), task.ID))
	assert.Equal(t, TaskKilled, c.terminal(t).State)

	// Killing again, or killing an unknown task, is not an error
	assert.NoError(t, l.Kill(context.Background(), task.ID))
	assert.NoError(t, l.Kill(context.Background(), "nope.1"))
}

func TestLocalKillStopsSubshells(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	c := newCollector()
	marker := filepath.Join(t.TempDir(), "marker")

	task := newTask("r5", job.RunSpec{Cmd: "(sleep 1; touch " + marker + "); true"})
	require.NoError(t, l.Launch(context.Background(), task, c.report))
	assert.Equal(t, TaskRunning, c.next(t).State)
	time.Sleep(200 * time.Millisecond)

	killedAt := time.Now()
	require.NoError(t, l.Kill(context.Background(), task.ID))
	assert.Equal(t, TaskKilled, c.terminal(t).State)
	assert.Less(t, time.Since(killedAt), 500*time.Millisecond, "kill reported once the group is gone")

	// Past the point the subshell would have written the marker
	time.Sleep(1500 * time.Millisecond)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "subshell outlived the kill")
}

func TestLocalRejects(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())

	err := l.Launch(context.Background(), newTask("r5", job.RunSpec{Docker: &job.DockerSpec{Image: "alpine"}}), func(StatusUpdate) {})
	require.Error(t, err)
	assert.False(t, ClassifyError(err).Retryable)

	err = l.Launch(context.Background(), newTask("r6", job.RunSpec{}), func(StatusUpdate) {})
	require.Error(t, err)
	assert.Equal(t, ErrorCodeInvalid, ClassifyError(err).Code)

	err = l.Launch(context.Background(), newTask("r7", job.RunSpec{Args: []string{"/definitely/not/here"}}), func(StatusUpdate) {})
	require.Error(t, err)
	assert.Equal(t, ErrorCodeNotFound, ClassifyError(err).Code)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 8}
	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))
	assert.Equal(t, "lo world", tb.String())

	tb.Write([]byte(strings.Repeat("x", 20)))
	assert.Equal(t, strings.Repeat("x", 8), tb.String())
}

func TestNoop(t *testing.T) {
	c := newCollector()
	n := NewNoop()
	require.NoError(t, n.Launch(context.Background(), newTask("r8", job.RunSpec{Cmd: "rm -rf /"}), c.report))
	assert.Equal(t, TaskRunning, c.next(t).State)
	assert.Equal(t, TaskFinished, c.next(t).State)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, n.Launch(ctx, newTask("r9", job.RunSpec{Cmd: "true"}), c.report))
}
