package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
)

// Store handles persistence of job definitions
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(database *sql.DB) *Store {
	return &Store{db: database, now: time.Now}
}

const selectColumns = `id, description, labels, run_spec, created_at, updated_at`

// Create inserts a new job. Returns ErrConflict if the id exists.
func (s *Store) Create(ctx context.Context, j *Job) error {
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return err
	}

	labels, runSpec, err := encode(j)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, description, labels, run_spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Description, labels, runSpec, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("job %s already exists", j.ID)
		}
		return errors.Wrapf(err, "failed to create job %s", j.ID)
	}

	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

// Get retrieves a job by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return j, nil
}

// Exists reports whether a job with the id exists
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", id)
	}
	return n > 0, nil
}

// List returns all jobs ordered by id
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM jobs ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Update replaces description, labels and run of an existing job.
// The id is immutable: a body id differing from id is a conflict.
func (s *Store) Update(ctx context.Context, id string, j *Job) error {
	if j.ID == "" {
		j.ID = id
	}
	if j.ID != id {
		return errors.NewConflictError("job id is immutable: cannot change %s to %s", id, j.ID)
	}

	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return err
	}

	labels, runSpec, err := encode(j)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET description = ?, labels = ?, run_spec = ?, updated_at = ?
		WHERE id = ?`,
		j.Description, labels, runSpec, db.FormatTime(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	*j = *updated
	return nil
}

// Delete removes a job. Schedules, fire records and runs cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// Count returns the number of stored jobs
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return n, nil
}

func encode(j *Job) (labels, runSpec string, err error) {
	lb, err := json.Marshal(j.Labels)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to encode labels of job %s", j.ID)
	}
	rb, err := json.Marshal(j.Run)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to encode run spec of job %s", j.ID)
	}
	return string(lb), string(rb), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var labels, runSpec, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Description, &labels, &runSpec, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(labels), &j.Labels); err != nil {
		return nil, errors.Wrapf(err, "failed to decode labels of job %s", j.ID)
	}
	if err := json.Unmarshal([]byte(runSpec), &j.Run); err != nil {
		return nil, errors.Wrapf(err, "failed to decode run spec of job %s", j.ID)
	}

	var err error
	if j.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", j.ID)
	}
	if j.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", j.ID)
	}
	return &j, nil
}
