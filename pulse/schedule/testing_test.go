package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mtest "github.com/teranos/metronome/internal/testing"
	"github.com/teranos/metronome/pulse/job"
)

// fakeTrigger records triggered schedules and can be told to fail
type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTrigger) TriggerFromSchedule(ctx context.Context, jobID, scheduleID string, allowConcurrent bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, jobID+"/"+scheduleID)
	return "run-" + jobID, nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setupDB(t *testing.T, jobIDs ...string) *sql.DB {
	t.Helper()
	database := mtest.CreateTestDB(t)
	jobs := job.NewStore(database)
	for _, id := range jobIDs {
		require.NoError(t, jobs.Create(context.Background(), &job.Job{ID: id, Run: job.RunSpec{Cmd: "true"}}))
	}
	return database
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
