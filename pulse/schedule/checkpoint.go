package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
)

// Checkpoints persists the dispatcher's scan position and the per-window
// fire records that keep a window from firing twice.
type Checkpoints struct {
	db *sql.DB
}

// NewCheckpoints creates a checkpoint store
func NewCheckpoints(database *sql.DB) *Checkpoints {
	return &Checkpoints{db: database}
}

// Get returns the last scanned time for name; ok is false before the first Set
func (c *Checkpoints) Get(ctx context.Context, name string) (t time.Time, ok bool, err error) {
	var raw string
	err = c.db.QueryRowContext(ctx,
		`SELECT last_scanned FROM dispatcher_checkpoint WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to read checkpoint %s", name)
	}
	t, err = db.ParseTime(raw)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to parse checkpoint %s", name)
	}
	return t, true, nil
}

// Set stores the last scanned time for name
func (c *Checkpoints) Set(ctx context.Context, name string, t time.Time) error {
	now := db.FormatTime(time.Now())
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO dispatcher_checkpoint (name, last_scanned, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_scanned = excluded.last_scanned, updated_at = excluded.updated_at`,
		name, db.FormatTime(t), now)
	if err != nil {
		return errors.Wrapf(err, "failed to write checkpoint %s", name)
	}
	return nil
}

// ClaimWindow records that the window of a schedule is being fired.
// Returns false if the window was claimed before.
func (c *Checkpoints) ClaimWindow(ctx context.Context, jobID, scheduleID string, window, now time.Time) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO schedule_fires (job_id, schedule_id, window_at, fired_at)
		VALUES (?, ?, ?, ?)`,
		jobID, scheduleID, db.FormatTime(window), db.FormatTime(now))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim window %s of schedule %s/%s",
			db.FormatTime(window), jobID, scheduleID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read claim result")
	}
	return n == 1, nil
}

// RecordRun attaches the triggered run id to a claimed window
func (c *Checkpoints) RecordRun(ctx context.Context, jobID, scheduleID string, window time.Time, runID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE schedule_fires SET run_id = ? WHERE job_id = ? AND schedule_id = ? AND window_at = ?`,
		runID, jobID, scheduleID, db.FormatTime(window))
	if err != nil {
		return errors.Wrapf(err, "failed to record run %s for schedule %s/%s", runID, jobID, scheduleID)
	}
	return nil
}

// Fire is one claimed window
type Fire struct {
	JobID      string
	ScheduleID string
	Window     time.Time
	RunID      string
	FiredAt    time.Time
}

// ListFires returns the claimed windows of a schedule, newest first
func (c *Checkpoints) ListFires(ctx context.Context, jobID, scheduleID string) ([]Fire, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT job_id, schedule_id, window_at, run_id, fired_at FROM schedule_fires
		WHERE job_id = ? AND schedule_id = ? ORDER BY window_at DESC`, jobID, scheduleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list fires")
	}
	defer rows.Close()

	var fires []Fire
	for rows.Next() {
		var f Fire
		var window, firedAt string
		if err := rows.Scan(&f.JobID, &f.ScheduleID, &window, &f.RunID, &firedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan fire")
		}
		if f.Window, err = db.ParseTime(window); err != nil {
			return nil, errors.Wrap(err, "failed to parse window_at")
		}
		if f.FiredAt, err = db.ParseTime(firedAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse fired_at")
		}
		fires = append(fires, f)
	}
	return fires, rows.Err()
}

// PruneFires deletes fire records claimed before cutoff
func (c *Checkpoints) PruneFires(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM schedule_fires WHERE fired_at < ?`, db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune schedule fires")
	}
	return res.RowsAffected()
}
