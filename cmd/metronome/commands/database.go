package commands

import (
	"database/sql"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config. Logs through the "db" component logger.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.ComponentLogger("db")); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
