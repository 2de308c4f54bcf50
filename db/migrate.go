package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one embedded schema step, named NNN_description.sql
type migration struct {
	version string
	file    string
}

// loadMigrations lists the embedded migrations in version order
func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, errors.Newf("migration %s is not named NNN_description.sql", e.Name())
		}
		out = append(out, migration{version: version, file: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// applied returns the recorded versions. A database without the
// schema_migrations table has none.
func applied(db *sql.DB) (map[string]bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n); err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	done := make(map[string]bool)
	if n == 0 {
		return done, nil
	}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		done[v] = true
	}
	return done, rows.Err()
}

// Pending lists the migrations not yet applied to db
func Pending(db *sql.DB) ([]string, error) {
	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	done, err := applied(db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range all {
		if !done[m.version] {
			pending = append(pending, m.file)
		}
	}
	return pending, nil
}

// Migrate applies pending migrations, each in its own transaction together
// with its schema_migrations row. A nil logger migrates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	done, err := applied(db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		count++
		if logger != nil {
			logger.Infow("Applied migration", "symbol", sym.DB, "migration", m.file)
		}
	}

	if logger != nil && count > 0 {
		logger.Infow("Schema up to date", "symbol", sym.DB, "applied", count, "total", len(all))
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	// 000 creates schema_migrations, so it can record itself too
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}
