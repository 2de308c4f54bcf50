package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	mtest "github.com/teranos/metronome/internal/testing"
	"github.com/teranos/metronome/pulse/events"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/placement"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
)

// holdExecutor keeps tasks running until they are killed
type holdExecutor struct {
	mu      sync.Mutex
	reports map[string]executor.ReportFunc
	tasks   map[string]*executor.Task
}

func newHoldExecutor() *holdExecutor {
	return &holdExecutor{reports: map[string]executor.ReportFunc{}, tasks: map[string]*executor.Task{}}
}

func (e *holdExecutor) Name() string { return "hold" }

func (e *holdExecutor) Launch(ctx context.Context, task *executor.Task, report executor.ReportFunc) error {
	e.mu.Lock()
	e.reports[task.ID] = report
	e.tasks[task.ID] = task
	e.mu.Unlock()
	report(executor.StatusUpdate{TaskID: task.ID, RunID: task.RunID, State: executor.TaskRunning, At: time.Now()})
	return nil
}

func (e *holdExecutor) Kill(ctx context.Context, taskID string) error {
	e.mu.Lock()
	report, ok := e.reports[taskID]
	task := e.tasks[taskID]
	delete(e.reports, taskID)
	e.mu.Unlock()
	if ok {
		go report(executor.StatusUpdate{TaskID: taskID, RunID: task.RunID, State: executor.TaskKilled, At: time.Now()})
	}
	return nil
}

type fakeTicker struct {
	running bool
	last    time.Time
}

func (f *fakeTicker) IsRunning() bool     { return f.running }
func (f *fakeTicker) LastTick() time.Time { return f.last }

type testServer struct {
	srv     *Server
	handler http.Handler
	jobs    *job.Store
	bus     *events.Bus
	ticker  *fakeTicker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := mtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	jobs := job.NewStore(database)
	bus := events.NewBus()
	hosts := placement.NewStaticHosts(
		&placement.Host{ID: "h1", Hostname: "10.0.0.1", IP: "10.0.0.1", Status: placement.HostReady},
	)
	cfg := run.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	manager := run.NewManager(run.NewStore(database), jobs, hosts, newHoldExecutor(), bus, cfg, log)
	t.Cleanup(manager.Stop)

	ticker := &fakeTicker{running: true, last: time.Now()}
	conf := &am.Config{
		Server:     am.ServerConfig{Port: 9000, AllowedOrigins: []string{"https://ui.example.com"}},
		Dispatcher: am.DispatcherConfig{TickIntervalSeconds: 1, StaleAfterSeconds: 30},
		Metrics:    am.MetricsConfig{Enabled: true},
	}
	srv := New(Deps{
		DB:         database,
		Jobs:       jobs,
		Schedules:  schedule.NewStore(database),
		Runs:       manager,
		Dispatcher: ticker,
		Bus:        bus,
		Config:     conf,
		Logger:     log,
	})
	return &testServer{srv: srv, handler: srv.Router(), jobs: jobs, bus: bus, ticker: ticker}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	return decode[ErrorResponse](t, w).Code
}

const backupJob = `{
	"id": "prod.backup",
	"description": "nightly backup",
	"labels": {"team": "storage"},
	"run": {
		"cmd": "backup --all",
		"cpus": 0.5,
		"mem": 128,
		"placement": {"constraints": [{"attribute": "hostname", "operator": "LIKE", "value": "10.0.0.1"}]}
	}
}`

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/jobs", backupJob)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[job.Job](t, w)
	assert.Equal(t, "prod.backup", created.ID)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[job.Job](t, w)
	assert.Equal(t, created.Run, got.Run)
	assert.Equal(t, "nightly backup", got.Description)
	assert.Equal(t, map[string]string{"team": "storage"}, got.Labels)

	w = ts.do(t, http.MethodPost, "/v1/jobs", backupJob)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/v1/jobs", `{"id": "Bad ID!", "run": {"cmd": "true"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/v1/jobs", `{"id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/v1/jobs/prod.backup", `{"run": {"cmd": "backup --incremental"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "backup --incremental", decode[job.Job](t, w).Run.Cmd)

	w = ts.do(t, http.MethodPut, "/v1/jobs/prod.backup", `{"id": "other", "run": {"cmd": "true"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]JobResponse](t, w), 1)

	w = ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))

	w = ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs", backupJob).Code)

	w := ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/schedules", `{"id": "nightly", "cron": "20 0 * * *", "timezone": "Europe/Berlin"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sc := decode[schedule.Schedule](t, w)
	assert.True(t, sc.Enabled, "enabled defaults to true")
	assert.Equal(t, schedule.ConcurrencyForbid, sc.ConcurrencyPolicy)
	require.NotNil(t, sc.NextRunAt)

	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/schedules", `{"id": "broken", "cron": "61 * * * *"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_schedule", errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/schedules", `{"id": "tz", "cron": "* * * * *", "timezone": "Mars/Olympus"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/jobs/ghost/schedules", `{"id": "nightly", "cron": "* * * * *"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/schedules", `{"id": "nightly", "cron": "* * * * *"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPut, "/v1/jobs/prod.backup/schedules/nightly", `{"cron": "20 0 * * *", "enabled": false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[schedule.Schedule](t, w).Enabled)

	w = ts.do(t, http.MethodPut, "/v1/jobs/prod.backup/schedules/nightly", `{"id": "renamed", "cron": "20 0 * * *"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]schedule.Schedule](t, w), 1)

	w = ts.do(t, http.MethodGet, "/v1/jobs/ghost/schedules", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup?embed=schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	embedded := decode[map[string]json.RawMessage](t, w)
	assert.Contains(t, embedded, "schedules")
	assert.NotContains(t, embedded, "activeRuns")

	// Removing the job removes its schedules
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup", nil).Code)
	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/schedules/nightly", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSchedule(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs", backupJob).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/schedules", `{"id": "nightly", "cron": "@daily"}`).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup/schedules/nightly", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/schedules/nightly", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup/schedules/nightly", nil).Code)
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs", backupJob).Code)

	w := ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	r := decode[run.Run](t, w)
	assert.Equal(t, run.StatusInitial, r.Status)
	assert.Equal(t, run.TriggerManual, r.Trigger)

	require.Eventually(t, func() bool {
		w := ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs/"+r.ID, nil)
		return w.Code == http.StatusOK && decode[run.Run](t, w).Status == run.StatusActive
	}, 5*time.Second, 10*time.Millisecond)

	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]run.Run](t, w), 1)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup?embed=activeRuns,history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jr := decode[JobResponse](t, w)
	require.NotNil(t, jr.ActiveRuns)
	assert.Len(t, *jr.ActiveRuns, 1)
	require.NotNil(t, jr.History)

	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs/"+r.ID+"/actions/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, run.StatusKilled, decode[run.Run](t, w).Status)

	// Stopping again is a no-op
	w = ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs/"+r.ID+"/actions/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, run.StatusKilled, decode[run.Run](t, w).Status)

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs", nil)
	assert.Empty(t, decode[[]run.Run](t, w))

	w = ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs?all=true", nil)
	assert.Len(t, decode[[]run.Run](t, w), 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs/nope/actions/stop", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/jobs/ghost/runs", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/ghost/runs", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/jobs/prod.backup/runs?all=maybe", nil).Code)
}

func TestDeleteJobWithActiveRun(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs", backupJob).Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/jobs/prod.backup/runs", nil).Code)

	w := ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, w).Hints)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup?stopCurrentJobRuns=perhaps", nil).Code)

	w = ts.do(t, http.MethodDelete, "/v1/jobs/prod.backup?stopCurrentJobRuns=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/prod.backup", nil).Code)
}

func TestPingAndHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = ts.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Checks["database"])
	assert.Equal(t, "ok", h.Checks["dispatcher"])

	ts.ticker.last = time.Now().Add(-time.Minute)
	w = ts.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode[HealthResponse](t, w).Checks["dispatcher"], "last tick")

	ts.ticker.last = time.Time{}
	w = ts.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.ticker.last = time.Now()
	ts.ticker.running = false
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/v1/health", nil).Code)
}

func TestHealthWithoutDispatcher(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.dispatcher = nil
	w := ts.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode[HealthResponse](t, w).Checks, "dispatcher")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://ui.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))

	w = ts.do(t, http.MethodPatch, "/v1/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewNotFoundError("job a"), http.StatusNotFound},
		{errors.NewConflictError("dup"), http.StatusConflict},
		{errors.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{errors.NewInvalidScheduleError("bad cron"), http.StatusUnprocessableEntity},
		{errors.Wrap(errors.ErrNoEligibleHost, "job a"), http.StatusServiceUnavailable},
		{errors.Wrap(errors.ErrServiceUnavailable, "db"), http.StatusServiceUnavailable},
		{errors.Wrap(errors.ErrTimeout, "launch"), http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestInternalErrorsHideDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeKindError(w, zaptest.NewLogger(t).Sugar(), errors.New("sqlite: disk I/O error at page 42"), "failed to list jobs")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "failed to list jobs", resp.Error)
	assert.Equal(t, "internal", resp.Code)
}

func TestParseEmbed(t *testing.T) {
	set := parseEmbed([]string{"activeRuns, history", "schedules", ""})
	assert.True(t, set[embedActiveRuns])
	assert.True(t, set[embedHistory])
	assert.True(t, set[embedSchedules])
	assert.Len(t, set, 3)
}
