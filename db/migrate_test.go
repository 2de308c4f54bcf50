package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "jobs", "schedules", "runs", "dispatcher_checkpoint", "schedule_fires", "job_history"} {
		t.Run(table, func(t *testing.T) {
			var exists int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		})
	}
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, 6, count)
	})

	t.Run("reports pending migrations", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		pending, err := Pending(db)
		require.NoError(t, err)
		require.Len(t, pending, 6)
		assert.Equal(t, "000_create_schema_migrations.sql", pending[0])

		require.NoError(t, Migrate(db, nil))
		pending, err = Pending(db)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		require.Error(t, Migrate(db, nil))
	})

	t.Run("deleting a job cascades to schedules and runs", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO jobs (id, run_spec, created_at, updated_at) VALUES ('j', '{}', 'x', 'x')`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO schedules (job_id, id, cron, created_at, updated_at) VALUES ('j', 'nightly', '20 0 * * *', 'x', 'x')`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO schedule_fires (job_id, schedule_id, window_at, fired_at) VALUES ('j', 'nightly', 'w', 'x')`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO runs (id, job_id, status, created_at, updated_at) VALUES ('r', 'j', 'ACTIVE', 'x', 'x')`)
		require.NoError(t, err)

		_, err = db.Exec(`INSERT INTO job_history (job_id, success_count) VALUES ('j', 1)`)
		require.NoError(t, err)

		_, err = db.Exec(`DELETE FROM jobs WHERE id = 'j'`)
		require.NoError(t, err)

		for _, table := range []string{"schedules", "schedule_fires", "runs", "job_history"} {
			var n int
			require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
			assert.Zero(t, n, table)
		}
	})
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 20, 0, 1500, time.FixedZone("CET", 3600))

	s := FormatTime(ts)
	assert.Equal(t, "2024-02-29T23:20:00.000001500Z", s)

	parsed, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	// Fixed width keeps lexical order chronological
	assert.Less(t, FormatTime(ts), FormatTime(ts.Add(time.Nanosecond*500)))

	assert.False(t, NullTime(nil).Valid)
	nt, err := ParseNullTime(NullTime(&ts))
	require.NoError(t, err)
	require.NotNil(t, nt)
	assert.True(t, ts.Equal(*nt))
}
