package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/metronome/errors"
)

// Standard 5-field cron plus calendar descriptors (@hourly, @daily).
// @every is rejected in Parse: a constant delay has no fixed windows to claim.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maxWindowScan bounds the search for the latest window
const maxWindowScan = 100000

// Parse parses a cron expression evaluated in the named IANA timezone
func Parse(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewInvalidScheduleError("cron expression is empty")
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, errors.NewInvalidScheduleError("cron %q: set the timezone field instead of a TZ prefix", expr)
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, errors.NewInvalidScheduleError("unknown timezone %q", timezone)
	}

	if strings.HasPrefix(expr, "@every") {
		return nil, errors.WithHint(
			errors.NewInvalidScheduleError("cron %q: @every is not supported", expr),
			"use a calendar expression such as */5 * * * *")
	}

	sched, err := parser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, errors.WithDetail(
			errors.NewInvalidScheduleError("invalid cron %q", expr),
			err.Error())
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return nil, errors.NewInvalidScheduleError("cron %q: constant delay schedules are not supported", expr)
	}
	return sched, nil
}

// LatestWindow returns the latest fire time in (from, to], or the zero time
// if none falls in the interval.
func LatestWindow(sched cron.Schedule, from, to time.Time) time.Time {
	var latest time.Time
	t := sched.Next(from)
	for i := 0; i < maxWindowScan && !t.IsZero() && !t.After(to); i++ {
		latest = t
		t = sched.Next(t)
	}
	return latest
}

// NextAfter returns the first fire time strictly after t in UTC
func NextAfter(sched cron.Schedule, t time.Time) *time.Time {
	next := sched.Next(t)
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}
