// Package run manages job runs: triggering, launching, status tracking and killing.
package run

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusInitial Status = "INITIAL" // created, not launched yet
	StatusActive  Status = "ACTIVE"  // task launched on a host
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusKilled  Status = "KILLED"
)

// Rank orders statuses; a run only ever moves to a higher rank
func (s Status) Rank() int {
	switch s {
	case StatusInitial:
		return 0
	case StatusActive:
		return 1
	default:
		return 2
	}
}

// IsTerminal reports whether the status is final
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusKilled
}

// IsActive reports whether the run still occupies its job
func (s Status) IsActive() bool {
	return s == StatusInitial || s == StatusActive
}

// Trigger values
const (
	TriggerManual         = "manual"
	TriggerSchedulePrefix = "schedule:"
)

// ScheduleTrigger is the trigger of runs started by a schedule
func ScheduleTrigger(scheduleID string) string {
	return TriggerSchedulePrefix + scheduleID
}

// TriggerKind is "manual" or "schedule", for metrics
func TriggerKind(trigger string) string {
	if strings.HasPrefix(trigger, TriggerSchedulePrefix) {
		return "schedule"
	}
	return TriggerManual
}

// Run is one execution of a job
type Run struct {
	ID          string     `json:"id"`
	JobID       string     `json:"jobId"`
	Status      Status     `json:"status"`
	Trigger     string     `json:"trigger"`
	Host        string     `json:"host,omitempty"`
	TaskID      string     `json:"taskId,omitempty"`
	Attempts    int        `json:"attempts"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// History summarizes the finished runs of a job
type History struct {
	SuccessCount           int        `json:"successCount"`
	FailureCount           int        `json:"failureCount"`
	LastSuccessAt          *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt          *time.Time `json:"lastFailureAt,omitempty"`
	SuccessfulFinishedRuns []*Run     `json:"successfulFinishedRuns"`
	FailedFinishedRuns     []*Run     `json:"failedFinishedRuns"`
}

const idSuffixLen = 5

// NewID generates a run id: the UTC start time (yyyyMMddHHmmss) followed by
// five random characters, so ids sort by start time.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]
	return now.UTC().Format("20060102150405") + suffix
}
