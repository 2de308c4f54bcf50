package server

import (
	"strings"

	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
)

// Embed options of get_job and get_jobs
const (
	embedActiveRuns = "activeRuns"
	embedSchedules  = "schedules"
	embedHistory    = "history"
)

// JobResponse is a job with its optional embeds
type JobResponse struct {
	*job.Job
	ActiveRuns *[]*run.Run           `json:"activeRuns,omitempty"` // nil unless embedded
	Schedules  *[]*schedule.Schedule `json:"schedules,omitempty"`
	History    *run.History          `json:"history,omitempty"`
}

// ScheduleRequest is the body of add_schedule and update_schedule.
// Enabled defaults to true when omitted.
type ScheduleRequest struct {
	ID                      string `json:"id"`
	Cron                    string `json:"cron"`
	Timezone                string `json:"timezone"`
	StartingDeadlineSeconds int    `json:"startingDeadlineSeconds"`
	ConcurrencyPolicy       string `json:"concurrencyPolicy"`
	Enabled                 *bool  `json:"enabled"`
}

func (req *ScheduleRequest) toSchedule(jobID string) *schedule.Schedule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &schedule.Schedule{
		JobID:                   jobID,
		ID:                      req.ID,
		Cron:                    req.Cron,
		Timezone:                req.Timezone,
		StartingDeadlineSeconds: req.StartingDeadlineSeconds,
		ConcurrencyPolicy:       req.ConcurrencyPolicy,
		Enabled:                 enabled,
	}
}

// DeleteResponse acknowledges a removal
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// HealthResponse is the body of the readiness check
type HealthResponse struct {
	Status     string            `json:"status"` // "ok" or "unavailable"
	Version    string            `json:"version"`
	Commit     string            `json:"commit"`
	Checks     map[string]string `json:"checks"`
	Clients    int               `json:"clients"`
	Launches   run.Stats         `json:"launches"`
	LastTickAt string            `json:"lastTickAt,omitempty"`
}

// embedSet parses ?embed=a,b&embed=c
type embedSet map[string]bool

func parseEmbed(values []string) embedSet {
	set := embedSet{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				set[part] = true
			}
		}
	}
	return set
}
