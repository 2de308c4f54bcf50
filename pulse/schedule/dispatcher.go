package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/metrics"
	"github.com/teranos/metronome/logger"
)

// CheckpointName is the dispatcher_checkpoint row owned by the dispatcher
const CheckpointName = "dispatcher"

// RunTrigger starts a run of a job for a due schedule window.
// Implemented by the run manager; kept as an interface so this package
// does not depend on it.
type RunTrigger interface {
	TriggerFromSchedule(ctx context.Context, jobID, scheduleID string, allowConcurrent bool) (runID string, err error)
}

// DispatcherConfig contains configuration for the cron dispatcher
type DispatcherConfig struct {
	Interval      time.Duration // how often to scan (default: 1 second)
	FireRetention time.Duration // how long window claims are kept (default: 24 hours)
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:      1 * time.Second,
		FireRetention: 24 * time.Hour,
	}
}

// Dispatcher scans enabled schedules on every tick and triggers a run for
// the latest due window of each. The scan position survives restarts in
// dispatcher_checkpoint and each window is claimed once in schedule_fires.
type Dispatcher struct {
	store       *Store
	checkpoints *Checkpoints
	trigger     RunTrigger
	cfg         DispatcherConfig
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	running         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	fired           int64
	lastPruneAt     time.Time
}

// NewDispatcher creates a new cron dispatcher
func NewDispatcher(store *Store, checkpoints *Checkpoints, trigger RunTrigger, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDispatcherConfig().Interval
	}
	if cfg.FireRetention <= 0 {
		cfg.FireRetention = DefaultDispatcherConfig().FireRetention
	}
	if log == nil {
		log = logger.Logger
	}
	return &Dispatcher{
		store:       store,
		checkpoints: checkpoints,
		trigger:     trigger,
		cfg:         cfg,
		logger:      log.Named("dispatcher"),
	}
}

// Start begins the tick loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
	logger.PulseOpenInfow(d.logger, "Dispatcher started", "interval", d.cfg.Interval)
}

// Stop gracefully stops the tick loop and waits for the current scan
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	logger.PulseCloseInfow(d.logger, "Dispatcher stopped")
}

// IsRunning reports whether the tick loop is active
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// LastTick returns the time of the last completed scan
func (d *Dispatcher) LastTick() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTickAt
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := d.Tick(d.ctx, tickTime); err != nil && d.ctx.Err() == nil {
				logger.PulseWarnw(d.logger, "Dispatcher tick error", "error", err)
			}
		}
	}
}

// Tick performs one scan with clock now. Per-schedule failures are logged
// and do not stop the scan. The checkpoint only advances when every due
// window was claimed, so a failed claim is retried on the next tick.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	start := time.Now()
	now = now.UTC()
	defer func() {
		metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds())
	}()

	last, ok, err := d.checkpoints.Get(ctx, CheckpointName)
	if err != nil {
		return err
	}
	if !ok {
		// First start: nothing in the past is owed
		logger.PulseOpenInfow(d.logger, "Dispatcher checkpoint initialized", "at", now)
		if err := d.checkpoints.Set(ctx, CheckpointName, now); err != nil {
			return err
		}
		d.recordTick(now)
		return nil
	}
	if !now.After(last) {
		d.recordTick(now)
		return nil
	}

	schedules, err := d.store.ListEnabled(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list enabled schedules")
	}

	advance := true
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.dispatch(ctx, sc, last, now); err != nil {
			advance = false
			metrics.DispatcherFires.WithLabelValues(metrics.OutcomeError).Inc()
			d.logger.Errorw("Failed to dispatch schedule",
				logger.FieldJobID, sc.JobID,
				logger.FieldScheduleID, sc.ID,
				"error", err)
		}
	}

	if advance {
		if err := d.checkpoints.Set(ctx, CheckpointName, now); err != nil {
			return err
		}
	}

	d.pruneFires(ctx, now)
	d.recordTick(now)
	metrics.DispatcherTicks.Inc()
	return nil
}

// dispatch fires the latest due window of one schedule, if any.
// Only storage failures are returned.
func (d *Dispatcher) dispatch(ctx context.Context, sc *Schedule, last, now time.Time) error {
	parsed, err := Parse(sc.Cron, sc.Timezone)
	if err != nil {
		// Stored schedules were validated on write; skip rather than block the checkpoint
		d.logger.Warnw("Skipping schedule with invalid cron",
			logger.FieldJobID, sc.JobID,
			logger.FieldScheduleID, sc.ID,
			"error", err)
		return nil
	}

	from := last
	if sc.UpdatedAt.After(from) {
		from = sc.UpdatedAt
	}
	deadline := sc.StartingDeadline()
	if floor := now.Add(-deadline - time.Nanosecond); floor.After(from) {
		// Windows before the floor are past their starting deadline
		if missed := LatestWindow(parsed, from, floor); !missed.IsZero() {
			metrics.DispatcherFires.WithLabelValues(metrics.OutcomeMissed).Inc()
			logger.PulseWarnw(d.logger, "Schedule window missed its starting deadline",
				logger.FieldJobID, sc.JobID,
				logger.FieldScheduleID, sc.ID,
				logger.FieldWindow, missed,
				"deadline", deadline)
		}
		from = floor
	}

	defer d.updateNextRun(ctx, sc, parsed, now)

	window := LatestWindow(parsed, from, now)
	if window.IsZero() {
		return nil
	}

	claimed, err := d.checkpoints.ClaimWindow(ctx, sc.JobID, sc.ID, window, now)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.DispatcherFires.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		d.logger.Debugw("Schedule window already fired",
			logger.FieldJobID, sc.JobID,
			logger.FieldScheduleID, sc.ID,
			logger.FieldWindow, window)
		return nil
	}

	// The schedule may have been disabled or removed since the scan began
	current, err := d.store.Get(ctx, sc.JobID, sc.ID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if !current.Enabled {
		metrics.DispatcherFires.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil
	}

	runID, err := d.trigger.TriggerFromSchedule(ctx, sc.JobID, sc.ID, current.AllowConcurrent())
	if err != nil {
		metrics.DispatcherFires.WithLabelValues(metrics.OutcomeSkipped).Inc()
		if errors.IsConflictError(err) {
			logger.PulseInfow(d.logger, "Schedule window skipped, previous run still active",
				logger.FieldJobID, sc.JobID,
				logger.FieldScheduleID, sc.ID,
				logger.FieldWindow, window)
		} else {
			d.logger.Errorw("Schedule trigger failed",
				logger.FieldJobID, sc.JobID,
				logger.FieldScheduleID, sc.ID,
				logger.FieldWindow, window,
				"error", err)
		}
		return nil
	}

	metrics.DispatcherFires.WithLabelValues(metrics.OutcomeFired).Inc()
	d.mu.Lock()
	d.fired++
	d.mu.Unlock()

	logger.PulseInfow(d.logger, "Schedule fired",
		logger.FieldJobID, sc.JobID,
		logger.FieldScheduleID, sc.ID,
		logger.FieldRunID, runID,
		logger.FieldWindow, window)

	if err := d.checkpoints.RecordRun(ctx, sc.JobID, sc.ID, window, runID); err != nil {
		d.logger.Warnw("Failed to record run for window", "error", err)
	}
	return nil
}

func (d *Dispatcher) updateNextRun(ctx context.Context, sc *Schedule, parsed cron.Schedule, now time.Time) {
	next := NextAfter(parsed, now)
	if sc.NextRunAt != nil && next != nil && sc.NextRunAt.Equal(*next) {
		return
	}
	if err := d.store.SetNextRunAt(ctx, sc.JobID, sc.ID, next); err != nil {
		d.logger.Warnw("Failed to update next run time",
			logger.FieldJobID, sc.JobID,
			logger.FieldScheduleID, sc.ID,
			"error", err)
	}
}

// pruneFires drops expired window claims at most once a minute
func (d *Dispatcher) pruneFires(ctx context.Context, now time.Time) {
	d.mu.Lock()
	due := now.Sub(d.lastPruneAt) >= time.Minute
	if due {
		d.lastPruneAt = now
	}
	d.mu.Unlock()
	if !due {
		return
	}

	n, err := d.checkpoints.PruneFires(ctx, now.Add(-d.cfg.FireRetention))
	if err != nil {
		d.logger.Warnw("Failed to prune schedule fires", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debugw("Pruned schedule fires", logger.FieldCount, n)
	}
}

func (d *Dispatcher) recordTick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTickAt = now
	d.ticksSinceStart++
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]interface{}{
		"running":           d.running,
		"last_tick_at":      d.lastTickAt,
		"ticks_since_start": d.ticksSinceStart,
		"fired":             d.fired,
		"interval":          d.cfg.Interval.String(),
	}
}
