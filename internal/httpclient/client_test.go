package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/run"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "http", url: "http://localhost:9000"},
		{name: "https with path", url: "https://scheduler.example.com/api/"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "ftp scheme", url: "ftp://example.com", errContains: "scheme"},
		{name: "credentials", url: "http://user:pw@localhost:9000", errContains: "credentials"},
		{name: "no host", url: "http://", errContains: "hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(ts.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	tests := []struct {
		code     string
		status   int
		sentinel error
	}{
		{"not_found", http.StatusNotFound, errors.ErrNotFound},
		{"conflict", http.StatusConflict, errors.ErrConflict},
		{"invalid_schedule", http.StatusUnprocessableEntity, errors.ErrInvalidSchedule},
		{"no_eligible_host", http.StatusServiceUnavailable, errors.ErrNoEligibleHost},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]interface{}{
					"error":   "job prod.backup: " + tt.code,
					"code":    tt.code,
					"details": []string{"id=prod.backup"},
				})
			}))
			_, err := c.GetJob(context.Background(), "prod.backup")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.Equal(t, "job prod.backup: "+tt.code, err.Error())
			assert.Equal(t, []string{"id=prod.backup"}, errors.GetAllDetails(err))
		})
	}
}

func TestNonJSONError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	_, err := c.ListJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, "internal", errors.Kind(err))
}

func TestRequests(t *testing.T) {
	var got []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		if r.Method == http.MethodPost {
			var j job.Job
			require.NoError(t, json.NewDecoder(r.Body).Decode(&j))
			writeJSON(w, http.StatusCreated, j)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]interface{}{{"id": "prod.backup", "activeRuns": []interface{}{}}})
	})
	mux.HandleFunc("/v1/jobs/prod.backup/runs", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, run.Run{ID: "20260101000000abcde", JobID: "prod.backup", Status: run.StatusInitial})
			return
		}
		writeJSON(w, http.StatusOK, []run.Run{{ID: "b"}, {ID: "a"}})
	})
	mux.HandleFunc("/v1/jobs/prod.backup/runs/r1/actions/stop", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		writeJSON(w, http.StatusOK, run.Run{ID: "r1", Status: run.StatusKilled})
	})
	mux.HandleFunc("/v1/jobs/prod.backup", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "prod.backup", "deleted": true})
	})
	c := newClient(t, mux)
	ctx := context.Background()

	created, err := c.CreateJob(ctx, &job.Job{ID: "prod.backup", Run: job.RunSpec{Cmd: "backup.sh"}})
	require.NoError(t, err)
	assert.Equal(t, "backup.sh", created.Run.Cmd)

	jobs, err := c.ListJobs(ctx, "activeRuns")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "prod.backup", jobs[0].ID)

	r, err := c.TriggerRun(ctx, "prod.backup")
	require.NoError(t, err)
	assert.Equal(t, run.StatusInitial, r.Status)

	runs, err := c.ListRuns(ctx, "prod.backup", true)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	killed, err := c.KillRun(ctx, "prod.backup", "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusKilled, killed.Status)

	require.NoError(t, c.DeleteJob(ctx, "prod.backup", true))

	assert.Equal(t, []string{
		"POST /v1/jobs?",
		"GET /v1/jobs?embed=activeRuns",
		"POST /v1/jobs/prod.backup/runs?",
		"GET /v1/jobs/prod.backup/runs?all=true",
		"POST /v1/jobs/prod.backup/runs/r1/actions/stop?",
		"DELETE /v1/jobs/prod.backup?stopCurrentJobRuns=true",
	}, got)
}

func TestHealthUnavailable(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"checks": map[string]string{"dispatcher": "not running"},
		})
	}))
	h, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	require.NotNil(t, h)
	assert.Equal(t, "not running", h.Checks["dispatcher"])
}

func TestRedirectToOtherHostBlocked(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/v1/jobs", http.StatusFound)
	}))
	_, err := c.ListJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")
}
