package commands

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	mtest "github.com/teranos/metronome/internal/testing"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
	"github.com/teranos/metronome/pulse/run"
)

func TestBuildExecutor(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	t.Run("local routes images to docker", func(t *testing.T) {
		b, err := buildExecutor(&am.Config{}, nil, log)
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, []string{"docker", "local"}, b.registry.Names())
		assert.Equal(t, "local", b.registry.Name())
		assert.NotNil(t, b.docker)
		assert.Nil(t, b.remote)

		e, err := b.registry.For(&executor.Task{JobID: "a", Spec: job.RunSpec{Docker: &job.DockerSpec{Image: "alpine:3"}}})
		require.NoError(t, err)
		assert.Equal(t, "docker", e.Name())
	})

	t.Run("noop", func(t *testing.T) {
		b, err := buildExecutor(&am.Config{Executor: am.ExecutorConfig{Backend: "noop"}}, nil, log)
		require.NoError(t, err)
		assert.Equal(t, []string{"noop"}, b.registry.Names())
		b.Close()
	})

	t.Run("docker only", func(t *testing.T) {
		b, err := buildExecutor(&am.Config{Executor: am.ExecutorConfig{Backend: "docker"}}, nil, log)
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, []string{"docker"}, b.registry.Names())
	})

	t.Run("agent needs etcd", func(t *testing.T) {
		_, err := buildExecutor(&am.Config{Executor: am.ExecutorConfig{Backend: "agent"}}, nil, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "etcd")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := buildExecutor(&am.Config{Executor: am.ExecutorConfig{Backend: "mesos"}}, nil, log)
		require.Error(t, err)
	})
}

func TestBuildInventory(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	cfg := &am.Config{Placement: am.PlacementConfig{
		Inventory: "static",
		Hosts:     []am.HostConfig{{ID: "h1", Hostname: "db-1", IP: "10.0.0.1", CPUs: 2, Mem: 1024}},
	}}
	inv, static, err := buildInventory(cfg, nil, log)
	require.NoError(t, err)
	require.NotNil(t, static)
	hosts, err := inv.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "db-1", hosts[0].Hostname)

	// Config reloads replace the static hosts
	cfg.Placement.Hosts = append(cfg.Placement.Hosts, am.HostConfig{ID: "h2", Hostname: "db-2"})
	require.NoError(t, static.OnConfigReload(cfg))
	hosts, err = inv.Hosts(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	inv, static, err = buildInventory(&am.Config{Placement: am.PlacementConfig{Inventory: "local"}}, nil, log)
	require.NoError(t, err)
	assert.Nil(t, static)
	assert.IsType(t, &placement.Local{}, inv)

	_, _, err = buildInventory(&am.Config{Placement: am.PlacementConfig{Inventory: "etcd"}}, nil, log)
	require.Error(t, err)

	_, _, err = buildInventory(&am.Config{Placement: am.PlacementConfig{Inventory: "zookeeper"}}, nil, log)
	require.Error(t, err)
}

func TestNeedsEtcd(t *testing.T) {
	assert.False(t, needsEtcd(&am.Config{}))
	assert.True(t, needsEtcd(&am.Config{Placement: am.PlacementConfig{Inventory: "etcd"}}))
	assert.True(t, needsEtcd(&am.Config{Executor: am.ExecutorConfig{Backend: "agent"}}))
}

func TestBuildPublisherWithoutNATS(t *testing.T) {
	bus, pub, closePub, err := buildPublisher(&am.Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer closePub()
	assert.Same(t, bus, pub)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(errors.Wrap(context.Canceled, "watch")))
	assert.Error(t, ignoreCanceled(errors.New("lease lost")))
}

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{"rack=b", "gpu=", "zone=eu=west"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rack": "b", "gpu": "", "zone": "eu=west"}, attrs)

	_, err = parseAttrs([]string{"rack"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = parseAttrs([]string{"=b"})
	assert.Error(t, err)
}

func TestRenderConfig(t *testing.T) {
	cfg := &am.Config{
		Database: am.DatabaseConfig{Path: "/var/lib/metronome.db"},
		Server:   am.ServerConfig{Port: 9000},
	}

	out, err := renderConfig(cfg, "json")
	require.NoError(t, err)
	var decoded am.Config
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 9000, decoded.Server.Port)

	out, err = renderConfig(cfg, "toml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# metronome configuration"))
	var generic map[string]interface{}
	require.NoError(t, toml.Unmarshal([]byte(out), &generic))
	assert.Contains(t, generic, "Database")

	out, err = renderConfig(cfg, "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "/var/lib/metronome.db")

	_, err = renderConfig(cfg, "ini")
	assert.Error(t, err)
}

func TestCollectStats(t *testing.T) {
	database := mtest.CreateTestDB(t)
	ctx := context.Background()

	jobs := job.NewStore(database)
	require.NoError(t, jobs.Create(ctx, &job.Job{ID: "a", Run: job.RunSpec{Cmd: "true"}}))
	runs := run.NewStore(database)
	require.NoError(t, runs.Create(ctx, &run.Run{ID: "r1", JobID: "a", Status: run.StatusInitial, Trigger: run.TriggerManual}))
	require.NoError(t, runs.Create(ctx, &run.Run{ID: "r2", JobID: "a", Status: run.StatusInitial, Trigger: run.TriggerManual}))

	st, err := collectStats(ctx, database)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Jobs)
	assert.Equal(t, 0, st.Schedules)
	assert.Equal(t, 2, st.Runs[run.StatusInitial])
	assert.Zero(t, st.Runs[run.StatusSuccess])
}
