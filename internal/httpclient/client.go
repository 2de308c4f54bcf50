// Package httpclient is a client of the metronome REST API, used by the CLI.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
)

// DefaultTimeout bounds every request of a client built with New
const DefaultTimeout = 30 * time.Second

// Client talks to one metronome server
type Client struct {
	http *http.Client
	base *url.URL
}

// New creates a client for the server at baseURL (e.g. http://localhost:9000).
// Only http and https are accepted; credentials in the URL are rejected.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := ValidateURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.Newf("stopped after %d redirects", len(via))
				}
				if req.URL.Host != u.Host {
					return errors.Newf("redirect to other host %s blocked", req.URL.Host)
				}
				return nil
			},
		},
		base: u,
	}, nil
}

// ValidateURL parses a server URL and checks its scheme and host
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.Newf("scheme %q not allowed (allowed: http, https)", u.Scheme)
	}
	if u.User != nil {
		return nil, errors.New("URL must not carry credentials")
	}
	if u.Hostname() == "" {
		return nil, errors.New("URL missing hostname")
	}
	return u, nil
}

// apiError is the error body written by the server
type apiError struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Hints   []string `json:"hints"`
	Details []string `json:"details"`
}

// kinds maps error codes back to their sentinels
var kinds = map[string]error{
	"not_found":           errors.ErrNotFound,
	"conflict":            errors.ErrConflict,
	"invalid_schedule":    errors.ErrInvalidSchedule,
	"invalid_request":     errors.ErrInvalidRequest,
	"no_eligible_host":    errors.ErrNoEligibleHost,
	"already_terminal":    errors.ErrAlreadyTerminal,
	"timeout":             errors.ErrTimeout,
	"service_unavailable": errors.ErrServiceUnavailable,
}

// decodeError turns a failed response into an error wrapping the sentinel of
// its code, so callers can use errors.Is across the wire.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Error == "" {
		return errors.Newf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	err := errors.New(ae.Error)
	if sentinel, ok := kinds[ae.Code]; ok {
		err = errors.Mark(err, sentinel)
	}
	for _, h := range ae.Hints {
		err = errors.WithHint(err, h)
	}
	for _, d := range ae.Details {
		err = errors.WithDetail(err, d)
	}
	return err
}

// do sends a request with an optional JSON body and decodes the reply into out
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s %s response", method, path)
	}
	return nil
}

func jobPath(jobID string, rest ...string) string {
	p := "/v1/jobs/" + url.PathEscape(jobID)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// Ping checks that the server answers
func (c *Client) Ping(ctx context.Context) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "ping failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("ping returned %s", resp.Status)
	}
	return nil
}

// Health is the readiness report of the server
type Health struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Commit     string            `json:"commit"`
	Checks     map[string]string `json:"checks"`
	Clients    int               `json:"clients"`
	Launches   run.Stats         `json:"launches"`
	LastTickAt string            `json:"lastTickAt"`
}

// Health fetches the readiness report. An unavailable server still returns
// the report, together with an error wrapping ErrServiceUnavailable.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "health check failed")
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, errors.Wrap(err, "failed to decode health report")
	}
	if resp.StatusCode != http.StatusOK {
		return &h, errors.Wrapf(errors.ErrServiceUnavailable, "server reports %s", h.Status)
	}
	return &h, nil
}

// JobDetail is a job with the embeds requested from the server
type JobDetail struct {
	job.Job
	ActiveRuns []*run.Run           `json:"activeRuns"`
	Schedules  []*schedule.Schedule `json:"schedules"`
	History    *run.History         `json:"history"`
}

// ListJobs lists all jobs with the given embeds (activeRuns, schedules, history)
func (c *Client) ListJobs(ctx context.Context, embed ...string) ([]*JobDetail, error) {
	var out []*JobDetail
	err := c.do(ctx, http.MethodGet, "/v1/jobs", embedQuery(embed), nil, &out)
	return out, err
}

// GetJob fetches one job with the given embeds
func (c *Client) GetJob(ctx context.Context, jobID string, embed ...string) (*JobDetail, error) {
	var out JobDetail
	if err := c.do(ctx, http.MethodGet, jobPath(jobID), embedQuery(embed), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateJob creates a job
func (c *Client) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, j, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateJob replaces a job definition
func (c *Client) UpdateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodPut, jobPath(j.ID), nil, j, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteJob removes a job. With stopRuns its active runs are killed first;
// otherwise a job with active runs is a conflict.
func (c *Client) DeleteJob(ctx context.Context, jobID string, stopRuns bool) error {
	q := url.Values{}
	if stopRuns {
		q.Set("stopCurrentJobRuns", "true")
	}
	return c.do(ctx, http.MethodDelete, jobPath(jobID), q, nil, nil)
}

// ListSchedules lists the schedules of a job
func (c *Client) ListSchedules(ctx context.Context, jobID string) ([]*schedule.Schedule, error) {
	var out []*schedule.Schedule
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "schedules"), nil, nil, &out)
	return out, err
}

// CreateSchedule attaches a schedule to a job
func (c *Client) CreateSchedule(ctx context.Context, jobID string, s *schedule.Schedule) (*schedule.Schedule, error) {
	var out schedule.Schedule
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "schedules"), nil, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSchedule replaces a schedule of a job
func (c *Client) UpdateSchedule(ctx context.Context, jobID string, s *schedule.Schedule) (*schedule.Schedule, error) {
	var out schedule.Schedule
	if err := c.do(ctx, http.MethodPut, jobPath(jobID, "schedules", s.ID), nil, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSchedule removes a schedule of a job
func (c *Client) DeleteSchedule(ctx context.Context, jobID, scheduleID string) error {
	return c.do(ctx, http.MethodDelete, jobPath(jobID, "schedules", scheduleID), nil, nil, nil)
}

// TriggerRun starts a manual run of a job
func (c *Client) TriggerRun(ctx context.Context, jobID string) (*run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "runs"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns lists the runs of a job, newest first. Without all only active
// runs are returned.
func (c *Client) ListRuns(ctx context.Context, jobID string, all bool) ([]*run.Run, error) {
	q := url.Values{}
	if all {
		q.Set("all", "true")
	}
	var out []*run.Run
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "runs"), q, nil, &out)
	return out, err
}

// GetRun fetches one run of a job
func (c *Client) GetRun(ctx context.Context, jobID, runID string) (*run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "runs", runID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillRun stops a run. Killing a finished run returns it unchanged.
func (c *Client) KillRun(ctx context.Context, jobID, runID string) (*run.Run, error) {
	var out run.Run
	path := jobPath(jobID, "runs", runID) + "/actions/stop"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func embedQuery(embed []string) url.Values {
	q := url.Values{}
	for _, e := range embed {
		q.Add("embed", e)
	}
	return q
}

// String returns the server URL
func (c *Client) String() string {
	return fmt.Sprint(c.base)
}
