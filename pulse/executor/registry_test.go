package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metronome/pulse/job"
)

// recordingExecutor remembers what it launched and killed
type recordingExecutor struct {
	name string

	mu       sync.Mutex
	launched []string
	killed   []string
	reports  map[string]ReportFunc
}

func newRecording(name string) *recordingExecutor {
	return &recordingExecutor{name: name, reports: make(map[string]ReportFunc)}
}

func (r *recordingExecutor) Name() string { return r.name }

func (r *recordingExecutor) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launched = append(r.launched, task.ID)
	r.reports[task.ID] = report
	return nil
}

func (r *recordingExecutor) Kill(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, taskID)
	return nil
}

func (r *recordingExecutor) finish(task *Task) {
	r.mu.Lock()
	report := r.reports[task.ID]
	r.mu.Unlock()
	report(update(task, TaskFinished, 0, ""))
}

func TestRegistryRouting(t *testing.T) {
	local := newRecording("local")
	docker := newRecording("docker")

	reg := NewRegistry("local")
	reg.Register(local)
	reg.Register(docker)
	assert.Equal(t, []string{"docker", "local"}, reg.Names())
	assert.Equal(t, "local", reg.Name())

	shell := newTask("r1", job.RunSpec{Cmd: "true"})
	image := newTask("r2", job.RunSpec{Docker: &job.DockerSpec{Image: "alpine"}})

	require.NoError(t, reg.Launch(context.Background(), shell, func(StatusUpdate) {}))
	require.NoError(t, reg.Launch(context.Background(), image, func(StatusUpdate) {}))

	assert.Equal(t, []string{shell.ID}, local.launched)
	assert.Equal(t, []string{image.ID}, docker.launched)

	// Kill goes to the backend that launched the task
	require.NoError(t, reg.Kill(context.Background(), image.ID))
	assert.Equal(t, []string{image.ID}, docker.killed)
	assert.Empty(t, local.killed)
}

func TestRegistryForgetsFinishedTasks(t *testing.T) {
	local := newRecording("local")
	reg := NewRegistry("local")
	reg.Register(local)

	var got []TaskState
	task := newTask("r1", job.RunSpec{Cmd: "true"})
	require.NoError(t, reg.Launch(context.Background(), task, func(su StatusUpdate) { got = append(got, su.State) }))

	local.finish(task)
	assert.Equal(t, []TaskState{TaskFinished}, got)

	require.NoError(t, reg.Kill(context.Background(), task.ID))
	assert.Empty(t, local.killed)
}

func TestRegistryAgentRunsImagesItself(t *testing.T) {
	agent := newRecording("agent")
	reg := NewRegistry("agent")
	reg.Register(agent)

	image := newTask("r1", job.RunSpec{Docker: &job.DockerSpec{Image: "alpine"}})
	require.NoError(t, reg.Launch(context.Background(), image, func(StatusUpdate) {}))
	assert.Equal(t, []string{image.ID}, agent.launched)
}

func TestRegistryMissingBackends(t *testing.T) {
	reg := NewRegistry("local")
	reg.Register(newRecording("local"))

	err := reg.Launch(context.Background(), newTask("r1", job.RunSpec{Docker: &job.DockerSpec{Image: "alpine"}}), func(StatusUpdate) {})
	require.Error(t, err)
	assert.False(t, ClassifyError(err).Retryable)

	empty := NewRegistry("docker")
	assert.Error(t, empty.Launch(context.Background(), newTask("r2", job.RunSpec{Cmd: "true"}), func(StatusUpdate) {}))
	assert.Nil(t, empty.Get("docker"))
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry("local")
	reg.Register(newRecording("local"))
	assert.Panics(t, func() { reg.Register(newRecording("local")) })
}
