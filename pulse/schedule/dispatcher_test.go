package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metronome/errors"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)

type dispatcherFixture struct {
	store   *Store
	cp      *Checkpoints
	trigger *fakeTrigger
	d       *Dispatcher
}

func newDispatcherFixture(t *testing.T, jobIDs ...string) *dispatcherFixture {
	t.Helper()
	database := setupDB(t, jobIDs...)
	f := &dispatcherFixture{
		store:   NewStore(database),
		cp:      NewCheckpoints(database),
		trigger: &fakeTrigger{},
	}
	f.store.now = fixedClock(t0.Add(-time.Hour))
	f.d = NewDispatcher(f.store, f.cp, f.trigger, DefaultDispatcherConfig(), zaptest.NewLogger(t).Sugar())
	return f
}

func (f *dispatcherFixture) tick(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.d.Tick(context.Background(), at))
}

func TestTick_FirstStartInitializesCheckpoint(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	require.NoError(t, f.store.Create(context.Background(), &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)

	assert.Zero(t, f.trigger.count(), "nothing in the past is owed on first start")
	last, ok, err := f.cp.Get(context.Background(), CheckpointName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t0, last)
	assert.Equal(t, t0, f.d.LastTick())
}

func TestTick_FiresEachWindowOnce(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	require.NoError(t, f.store.Create(context.Background(), &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)
	f.tick(t, t0.Add(30*time.Second)) // crosses 10:01:00
	assert.Equal(t, 1, f.trigger.count())

	f.tick(t, t0.Add(31*time.Second))
	f.tick(t, t0.Add(59*time.Second))
	assert.Equal(t, 1, f.trigger.count())

	f.tick(t, t0.Add(90*time.Second)) // crosses 10:02:00
	assert.Equal(t, 2, f.trigger.count())

	fires, err := f.cp.ListFires(context.Background(), "backup", "s")
	require.NoError(t, err)
	require.Len(t, fires, 2)
	assert.Equal(t, "run-backup", fires[0].RunID)

	sc, err := f.store.Get(context.Background(), "backup", "s")
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC), *sc.NextRunAt)
}

func TestTick_RestartFromCheckpointDoesNotRefire(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	require.NoError(t, f.store.Create(context.Background(), &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)
	f.tick(t, t0.Add(40*time.Second))
	require.Equal(t, 1, f.trigger.count())

	// Simulate a crash after the window was claimed but before the
	// checkpoint advanced, then a fresh process scanning the same span.
	require.NoError(t, f.cp.Set(context.Background(), CheckpointName, t0))
	restarted := NewDispatcher(f.store, f.cp, f.trigger, DefaultDispatcherConfig(), zaptest.NewLogger(t).Sugar())

	require.NoError(t, restarted.Tick(context.Background(), t0.Add(45*time.Second)))
	assert.Equal(t, 1, f.trigger.count())
}

func TestTick_DisabledScheduleNeverFires(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)
	f.tick(t, t0.Add(time.Minute))
	require.Equal(t, 1, f.trigger.count())

	f.store.now = fixedClock(t0.Add(time.Minute + time.Second))
	require.NoError(t, f.store.Update(ctx, "backup", "s", &Schedule{Cron: "* * * * *", Enabled: false}))

	for i := 2; i < 10; i++ {
		f.tick(t, t0.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, 1, f.trigger.count(), "run count must not grow after disable")
}

func TestTick_ReenableDoesNotCatchUpDisabledPeriod(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: false}))

	f.tick(t, t0)
	f.tick(t, t0.Add(5*time.Minute))
	require.Zero(t, f.trigger.count())

	// Re-enabled at 10:05:40; the checkpoint is 10:05:30, and 10:05:00 predates the update
	f.store.now = fixedClock(t0.Add(5*time.Minute + 10*time.Second))
	require.NoError(t, f.store.Update(ctx, "backup", "s", &Schedule{Cron: "* * * * *", Enabled: true}))
	f.tick(t, t0.Add(5*time.Minute+20*time.Second))
	assert.Zero(t, f.trigger.count())

	f.tick(t, t0.Add(6*time.Minute))
	assert.Equal(t, 1, f.trigger.count())
}

func TestTick_StartingDeadline(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{
		JobID: "backup", ID: "s", Cron: "0 * * * *", Enabled: true, StartingDeadlineSeconds: 60,
	}))

	// Checkpoint at 10:00:30, scheduler down until 11:02:00: the 11:00 window is 2m late
	f.tick(t, t0)
	f.tick(t, time.Date(2024, 5, 1, 11, 2, 0, 0, time.UTC))
	assert.Zero(t, f.trigger.count())

	// A fresh window inside the deadline fires
	f.tick(t, time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC))
	assert.Equal(t, 1, f.trigger.count())
}

func TestTick_CatchUpFiresOnlyLatestWindow(t *testing.T) {
	f := newDispatcherFixture(t, "backup")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "backup", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)
	f.tick(t, t0.Add(10*time.Minute))
	assert.Equal(t, 1, f.trigger.count())
}

func TestTick_TriggerFailureDoesNotStopScan(t *testing.T) {
	f := newDispatcherFixture(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "a", ID: "s", Cron: "* * * * *", Enabled: true}))
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "b", ID: "s", Cron: "* * * * *", Enabled: true}))

	f.tick(t, t0)
	f.trigger.err = errors.NewConflictError("job a has an active run")
	f.tick(t, t0.Add(time.Minute))

	// Both windows were consumed; neither is retried
	f.trigger.err = nil
	f.tick(t, t0.Add(time.Minute+time.Second))
	assert.Zero(t, f.trigger.count())

	last, _, err := f.cp.Get(ctx, CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute+time.Second), last)
}

func TestStartStop(t *testing.T) {
	f := newDispatcherFixture(t)
	f.d.cfg.Interval = 10 * time.Millisecond

	f.d.Start(context.Background())
	assert.True(t, f.d.IsRunning())

	require.Eventually(t, func() bool { return !f.d.LastTick().IsZero() }, 2*time.Second, 10*time.Millisecond)

	f.d.Stop()
	assert.False(t, f.d.IsRunning())
	f.d.Stop() // idempotent

	stats := f.d.GetStats()
	assert.Equal(t, false, stats["running"])
	assert.NotZero(t, stats["ticks_since_start"])
}

func TestTick_StoredConstantDelayScheduleIsSkipped(t *testing.T) {
	f := newDispatcherFixture(t, "backup", "report")
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "backup", ID: "legacy", Cron: "* * * * *", Enabled: true}))
	require.NoError(t, f.store.Create(ctx, &Schedule{JobID: "report", ID: "s", Cron: "* * * * *", Enabled: true}))

	// Rows written before @every was refused on write
	_, err := f.store.db.ExecContext(ctx, `UPDATE schedules SET cron = '@every 1m' WHERE job_id = 'backup'`)
	require.NoError(t, err)

	f.tick(t, t0)
	for i := 1; i <= 120; i++ {
		f.tick(t, t0.Add(time.Duration(i)*time.Second))
	}

	f.trigger.mu.Lock()
	calls := append([]string(nil), f.trigger.calls...)
	f.trigger.mu.Unlock()
	assert.Equal(t, []string{"report/s", "report/s"}, calls)

	last, ok, err := f.cp.Get(ctx, CheckpointName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(120*time.Second), last, "the checkpoint keeps advancing")
}
