package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
)

// Store handles persistence of schedules
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, now: time.Now}
}

const selectColumns = `job_id, id, cron, timezone, starting_deadline_seconds,
	concurrency_policy, enabled, next_run_at, created_at, updated_at`

// Create adds a schedule to an existing job.
// Returns ErrNotFound if the job is absent, ErrConflict on a duplicate id.
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return err
	}
	parsed, err := Parse(sc.Cron, sc.Timezone)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	sc.NextRunAt = NextAfter(parsed, now)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (job_id, id, cron, timezone, starting_deadline_seconds,
			concurrency_policy, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.JobID, sc.ID, sc.Cron, sc.Timezone, sc.StartingDeadlineSeconds,
		sc.ConcurrencyPolicy, sc.Enabled, db.NullTime(sc.NextRunAt),
		db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		switch {
		case db.IsForeignKeyViolation(err):
			return errors.NewNotFoundError("job %s", sc.JobID)
		case db.IsUniqueViolation(err):
			return errors.NewConflictError("schedule %s already exists for job %s", sc.ID, sc.JobID)
		}
		return errors.Wrapf(err, "failed to create schedule %s/%s", sc.JobID, sc.ID)
	}

	sc.CreatedAt = now
	sc.UpdatedAt = now
	return nil
}

// Get retrieves one schedule of a job
func (s *Store) Get(ctx context.Context, jobID, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM schedules WHERE job_id = ? AND id = ?`, jobID, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s of job %s", id, jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s/%s", jobID, id)
	}
	return sc, nil
}

// List returns the schedules of a job ordered by id
func (s *Store) List(ctx context.Context, jobID string) ([]*Schedule, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM schedules WHERE job_id = ? ORDER BY id ASC`, jobID)
}

// ListEnabled returns every enabled schedule
func (s *Store) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM schedules WHERE enabled = 1 ORDER BY job_id ASC, id ASC`)
}

// Update replaces the definition of a schedule. The id in sc is ignored.
// updated_at moves forward, so windows before the update are never fired.
func (s *Store) Update(ctx context.Context, jobID, id string, sc *Schedule) error {
	sc.JobID = jobID
	sc.ID = id
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return err
	}
	parsed, err := Parse(sc.Cron, sc.Timezone)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	sc.NextRunAt = NextAfter(parsed, now)

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET cron = ?, timezone = ?, starting_deadline_seconds = ?,
			concurrency_policy = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE job_id = ? AND id = ?`,
		sc.Cron, sc.Timezone, sc.StartingDeadlineSeconds, sc.ConcurrencyPolicy,
		sc.Enabled, db.NullTime(sc.NextRunAt), db.FormatTime(now), jobID, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s/%s", jobID, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s of job %s", id, jobID)
	}

	updated, err := s.Get(ctx, jobID, id)
	if err != nil {
		return err
	}
	*sc = *updated
	return nil
}

// Delete removes a schedule
func (s *Store) Delete(ctx context.Context, jobID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE job_id = ? AND id = ?`, jobID, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s/%s", jobID, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s of job %s", id, jobID)
	}
	return nil
}

// SetNextRunAt records the next computed fire time. updated_at is untouched.
func (s *Store) SetNextRunAt(ctx context.Context, jobID, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ? WHERE job_id = ? AND id = ?`,
		db.NullTime(next), jobID, id)
	if err != nil {
		return errors.Wrapf(err, "failed to set next_run_at of schedule %s/%s", jobID, id)
	}
	return nil
}

// CountEnabled returns the number of enabled schedules
func (s *Store) CountEnabled(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE enabled = 1`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count schedules")
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	schedules := []*Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return schedules, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var sc Schedule
	var nextRunAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sc.JobID, &sc.ID, &sc.Cron, &sc.Timezone, &sc.StartingDeadlineSeconds,
		&sc.ConcurrencyPolicy, &sc.Enabled, &nextRunAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if sc.NextRunAt, err = db.ParseNullTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for schedule %s/%s", sc.JobID, sc.ID)
	}
	if sc.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for schedule %s/%s", sc.JobID, sc.ID)
	}
	if sc.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for schedule %s/%s", sc.JobID, sc.ID)
	}
	return &sc, nil
}
