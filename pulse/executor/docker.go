package executor

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// AttrDockerHost is the host attribute naming the docker daemon of a host
// (e.g. tcp://10.0.0.5:2375). Hosts without it use the environment's daemon.
const AttrDockerHost = "docker_host"

// DockerAPI is the subset of *client.Client the executor uses
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	Close() error
}

// Docker runs image jobs as containers
type Docker struct {
	cfg    am.DockerConfig
	dial   func(host string) (DockerAPI, error)
	logger *zap.SugaredLogger

	mu         sync.Mutex
	clients    map[string]DockerAPI // by docker_host, "" = environment
	containers map[string]*dockerTask
}

type dockerTask struct {
	client      DockerAPI
	containerID string
	killed      bool
}

// NewDocker creates a docker executor
func NewDocker(cfg am.DockerConfig, log *zap.SugaredLogger) *Docker {
	if log == nil {
		log = logger.Logger
	}
	d := &Docker{
		cfg:        cfg,
		logger:     log.Named("docker"),
		clients:    make(map[string]DockerAPI),
		containers: make(map[string]*dockerTask),
	}
	d.dial = d.dialDaemon
	return d
}

func (d *Docker) dialDaemon(host string) (DockerAPI, error) {
	opts := []client.Opt{client.FromEnv}
	if d.cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(d.cfg.APIVersion))
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create docker client for %q", host)
	}
	return cli, nil
}

// Name implements Executor
func (d *Docker) Name() string { return "docker" }

func (d *Docker) clientFor(task *Task) (DockerAPI, error) {
	var daemon string
	if task.Host != nil {
		daemon, _ = task.Host.Attribute(AttrDockerHost)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cli, ok := d.clients[daemon]; ok {
		return cli, nil
	}
	cli, err := d.dial(daemon)
	if err != nil {
		return nil, err
	}
	d.clients[daemon] = cli
	return cli, nil
}

// Launch implements Executor
func (d *Docker) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	if task.Spec.Docker == nil || task.Spec.Docker.Image == "" {
		return Permanent(errors.Newf("task %s has no image", task.ID))
	}
	cli, err := d.clientFor(task)
	if err != nil {
		return err
	}

	cfg := &container.Config{
		Image: task.Spec.Docker.Image,
		Env:   envList(taskEnv(task)),
		User:  task.Spec.User,
		Labels: map[string]string{
			"metronome.job_id":  task.JobID,
			"metronome.run_id":  task.RunID,
			"metronome.task_id": task.ID,
		},
	}
	switch {
	case len(task.Spec.Args) > 0:
		cfg.Cmd = task.Spec.Args
	case task.Spec.Cmd != "":
		cfg.Cmd = []string{"/bin/sh", "-c", task.Spec.Cmd}
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(task.Spec.CPUs * 1e9),
			Memory:   task.Spec.Mem * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(task.ID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return Permanent(errors.Wrapf(err, "no such image %s", task.Spec.Docker.Image))
		}
		return errors.Wrapf(err, "failed to create container for task %s", task.ID)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.remove(cli, resp.ID)
		return errors.Wrapf(err, "failed to start container for task %s", task.ID)
	}

	dt := &dockerTask{client: cli, containerID: resp.ID}
	d.mu.Lock()
	d.containers[task.ID] = dt
	d.mu.Unlock()

	d.logger.Infow("Container started",
		logger.FieldTaskID, task.ID,
		logger.FieldRunID, task.RunID,
		"image", task.Spec.Docker.Image,
		"container", shortID(resp.ID))
	report(update(task, TaskRunning, 0, ""))

	go d.wait(task, dt, report)
	return nil
}

func (d *Docker) wait(task *Task, dt *dockerTask, report ReportFunc) {
	ctx := context.Background()
	statusCh, errCh := dt.client.ContainerWait(ctx, dt.containerID, container.WaitConditionNotRunning)

	var exitCode int
	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			waitErr = errors.New(st.Error.Message)
		}
	}

	output := d.logsTail(dt)

	d.mu.Lock()
	delete(d.containers, task.ID)
	killed := dt.killed
	d.mu.Unlock()

	switch {
	case killed:
		report(update(task, TaskKilled, exitCode, "killed"))
	case waitErr != nil:
		report(update(task, TaskFailed, exitCode, waitErr.Error()))
	case exitCode == 0:
		report(update(task, TaskFinished, 0, ""))
	default:
		msg := "container exited with code " + strconv.Itoa(exitCode)
		if output != "" {
			msg += ": " + output
		}
		report(update(task, TaskFailed, exitCode, msg))
	}

	if d.cfg.AutoRemove {
		d.remove(dt.client, dt.containerID)
	}
}

func (d *Docker) logsTail(dt *dockerTask) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := dt.client.ContainerLogs(ctx, dt.containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if len(out) > outputTail {
		out = out[len(out)-outputTail:]
	}
	return out
}

func (d *Docker) remove(cli DockerAPI, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		d.logger.Warnw("Failed to remove container", "container", shortID(containerID), "error", err)
	}
}

// Kill implements Executor
func (d *Docker) Kill(ctx context.Context, taskID string) error {
	d.mu.Lock()
	dt, ok := d.containers[taskID]
	if ok {
		dt.killed = true
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if err := dt.client.ContainerKill(ctx, dt.containerID, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "failed to kill container of task %s", taskID)
	}
	return nil
}

// Close releases the docker clients
func (d *Docker) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for host, cli := range d.clients {
		cli.Close()
		delete(d.clients, host)
	}
	return nil
}

func containerName(taskID string) string {
	return "metronome-" + taskID
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
