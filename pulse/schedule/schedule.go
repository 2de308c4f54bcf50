// Package schedule stores cron schedules attached to jobs and dispatches
// runs when their windows come due.
package schedule

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/job"
)

// Concurrency policies
const (
	ConcurrencyForbid = "FORBID" // skip a window while a run of the job is active
	ConcurrencyAllow  = "ALLOW"  // start a new run regardless
)

// Defaults applied when a schedule leaves them unset
const (
	DefaultTimezone                = "UTC"
	DefaultStartingDeadlineSeconds = 900
	MaxStartingDeadlineSeconds     = 7 * 24 * 3600
)

// Schedule fires runs of a job on a cron expression
type Schedule struct {
	JobID                   string     `json:"-"`
	ID                      string     `json:"id" validate:"required"`
	Cron                    string     `json:"cron" validate:"required"`
	Timezone                string     `json:"timezone"`
	StartingDeadlineSeconds int        `json:"startingDeadlineSeconds" validate:"gte=0,lte=604800"`
	ConcurrencyPolicy       string     `json:"concurrencyPolicy" validate:"omitempty,oneof=FORBID ALLOW"`
	Enabled                 bool       `json:"enabled"`
	NextRunAt               *time.Time `json:"nextRunAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

var validate = validator.New()

// ApplyDefaults fills timezone, deadline and concurrency policy
func (s *Schedule) ApplyDefaults() {
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	if s.StartingDeadlineSeconds == 0 {
		s.StartingDeadlineSeconds = DefaultStartingDeadlineSeconds
	}
	if s.ConcurrencyPolicy == "" {
		s.ConcurrencyPolicy = ConcurrencyForbid
	}
}

// Validate checks the schedule. A bad cron expression or timezone wraps
// errors.ErrInvalidSchedule; other problems wrap errors.ErrInvalidRequest.
func (s *Schedule) Validate() error {
	if !job.ValidID(s.ID) {
		return errors.NewInvalidRequestError("invalid schedule id %q", s.ID)
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Field() == "Cron" {
				return errors.NewInvalidScheduleError("schedule %s: cron is required", s.ID)
			}
			return errors.NewInvalidRequestError("schedule %s: %s failed %q validation", s.ID, fe.Field(), fe.Tag())
		}
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	_, err := Parse(s.Cron, s.Timezone)
	return err
}

// AllowConcurrent reports whether the schedule may start a run while another is active
func (s *Schedule) AllowConcurrent() bool {
	return s.ConcurrencyPolicy == ConcurrencyAllow
}

// StartingDeadline returns how late a window may still be fired
func (s *Schedule) StartingDeadline() time.Duration {
	if s.StartingDeadlineSeconds <= 0 {
		return DefaultStartingDeadlineSeconds * time.Second
	}
	return time.Duration(s.StartingDeadlineSeconds) * time.Second
}
