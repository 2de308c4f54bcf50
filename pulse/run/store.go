package run

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
)

// Store persists runs and per-job run history counters
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new run store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, now: time.Now}
}

const selectColumns = `id, job_id, status, trigger, host, task_id, attempts, message, created_at, updated_at, completed_at`

// Create inserts a new run
func (s *Store) Create(ctx context.Context, r *Run) error {
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, trigger, host, task_id, attempts, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, string(r.Status), r.Trigger, r.Host, r.TaskID, r.Attempts, r.Message,
		db.FormatTime(r.CreatedAt), db.FormatTime(r.UpdatedAt), db.NullTime(r.CompletedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("run %s already exists", r.ID)
		}
		if db.IsForeignKeyViolation(err) {
			return errors.NewNotFoundError("job %s", r.JobID)
		}
		return errors.Wrapf(err, "failed to create run %s", r.ID)
	}
	return nil
}

// Get retrieves a run by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return r, nil
}

// GetForJob retrieves a run of a job. A run of another job is NotFound.
func (s *Store) GetForJob(ctx context.Context, jobID, id string) (*Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.JobID != jobID {
		return nil, errors.NewNotFoundError("run %s of job %s", id, jobID)
	}
	return r, nil
}

// List returns the runs of a job, newest first
func (s *Store) List(ctx context.Context, jobID string, activeOnly bool) ([]*Run, error) {
	query := `SELECT ` + selectColumns + ` FROM runs WHERE job_id = ?`
	args := []interface{}{jobID}
	if activeOnly {
		query += ` AND status IN (?, ?)`
		args = append(args, string(StatusInitial), string(StatusActive))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.query(ctx, query, args...)
}

// ListByStatus returns all runs in any of the statuses, oldest first
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Run, error) {
	if len(statuses) == 0 {
		return []*Run{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM runs WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
}

// LastFinished returns up to limit finished runs of a job with the status, newest first
func (s *Store) LastFinished(ctx context.Context, jobID string, status Status, limit int) ([]*Run, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM runs
		WHERE job_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, jobID, string(status), limit)
}

// CountActive returns the number of INITIAL or ACTIVE runs of a job
func (s *Store) CountActive(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE job_id = ? AND status IN (?, ?)`,
		jobID, string(StatusInitial), string(StatusActive)).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count active runs of job %s", jobID)
	}
	return n, nil
}

// Transition moves a run from one of the from statuses, applying change to
// the stored run. The update only lands if the run was not modified since it
// was read. A terminal run yields ErrAlreadyTerminal; any other status not in
// from yields ErrConflict.
func (s *Store) Transition(ctx context.Context, id string, from []Status, change func(r *Run)) (*Run, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(current.Status, from) {
		if current.Status.IsTerminal() {
			return current, errors.Wrapf(errors.ErrAlreadyTerminal, "run %s is %s", id, current.Status)
		}
		return current, errors.NewConflictError("run %s is %s", id, current.Status)
	}

	next := *current
	change(&next)
	next.UpdatedAt = s.now().UTC()
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		done := next.UpdatedAt
		next.CompletedAt = &done
	}
	if next.Status.Rank() < current.Status.Rank() {
		return current, errors.AssertionFailedf("run %s cannot move from %s to %s", id, current.Status, next.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, host = ?, task_id = ?, attempts = ?, message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND task_id = ? AND attempts = ?`,
		string(next.Status), next.Host, next.TaskID, next.Attempts, next.Message,
		db.FormatTime(next.UpdatedAt), db.NullTime(next.CompletedAt),
		id, string(current.Status), current.TaskID, current.Attempts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race; report against what is stored now
		return s.Transition(ctx, id, from, change)
	}

	if next.Status.IsTerminal() {
		if err := s.recordFinish(ctx, &next); err != nil {
			return &next, err
		}
	}
	return &next, nil
}

func (s *Store) recordFinish(ctx context.Context, r *Run) error {
	var query string
	switch r.Status {
	case StatusSuccess:
		query = `INSERT INTO job_history (job_id, success_count, last_success_at) VALUES (?, 1, ?)
			ON CONFLICT(job_id) DO UPDATE SET success_count = success_count + 1, last_success_at = excluded.last_success_at`
	case StatusFailed:
		query = `INSERT INTO job_history (job_id, failure_count, last_failure_at) VALUES (?, 1, ?)
			ON CONFLICT(job_id) DO UPDATE SET failure_count = failure_count + 1, last_failure_at = excluded.last_failure_at`
	default:
		return nil
	}
	if _, err := s.db.ExecContext(ctx, query, r.JobID, db.NullTime(r.CompletedAt)); err != nil {
		return errors.Wrapf(err, "failed to record history of job %s", r.JobID)
	}
	return nil
}

// History returns the finished-run counters of a job with up to limit
// recent successful and failed runs
func (s *Store) History(ctx context.Context, jobID string, limit int) (*History, error) {
	h := &History{}
	var lastSuccess, lastFailure sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT success_count, failure_count, last_success_at, last_failure_at
		FROM job_history WHERE job_id = ?`, jobID).
		Scan(&h.SuccessCount, &h.FailureCount, &lastSuccess, &lastFailure)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrapf(err, "failed to read history of job %s", jobID)
	}
	if h.LastSuccessAt, err = db.ParseNullTime(lastSuccess); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_success_at for job %s", jobID)
	}
	if h.LastFailureAt, err = db.ParseNullTime(lastFailure); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_failure_at for job %s", jobID)
	}

	if h.SuccessfulFinishedRuns, err = s.LastFinished(ctx, jobID, StatusSuccess, limit); err != nil {
		return nil, err
	}
	if h.FailedFinishedRuns, err = s.LastFinished(ctx, jobID, StatusFailed, limit); err != nil {
		return nil, err
	}
	return h, nil
}

// Prune deletes the finished runs of a job beyond the keep most recent.
// Returns the number of runs deleted.
func (s *Store) Prune(ctx context.Context, jobID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE job_id = ? AND status IN (?, ?, ?) AND id NOT IN (
			SELECT id FROM runs WHERE job_id = ? AND status IN (?, ?, ?)
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		jobID, string(StatusSuccess), string(StatusFailed), string(StatusKilled),
		jobID, string(StatusSuccess), string(StatusFailed), string(StatusKilled), keep)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune runs of job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, nil
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var status, createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&r.ID, &r.JobID, &status, &r.Trigger, &r.Host, &r.TaskID, &r.Attempts, &r.Message,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)

	var err error
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for run %s", r.ID)
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for run %s", r.ID)
	}
	if r.CompletedAt, err = db.ParseNullTime(completedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse completed_at for run %s", r.ID)
	}
	return &r, nil
}
