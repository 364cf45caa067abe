package migrations

import (
	"database/sql"

	"go.uber.org/zap"
)

type migration struct {
	name  string
	apply func(db *sql.DB) error
}

// Migrate applies every migration that has not been recorded in the
// schema_migrations table yet, in list order. Any failure is fatal; a
// half-applied migration must never be recorded as done.
func Migrate(db *sql.DB) {
	if err := ensureMigrationTable(db); err != nil {
		zap.S().Fatalf("Error creating schema_migrations table: %v", err)
	}

	for _, m := range migrationsList {
		var applied bool
		err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.name).Scan(&applied)
		if err != nil {
			zap.S().Fatalf("Error checking migration %s: %v", m.name, err)
		}
		if applied {
			zap.S().Infof("Migration %s already applied, skipping", m.name)
			continue
		}

		zap.S().Infof("Applying migration %s", m.name)
		if err = m.apply(db); err != nil {
			zap.S().Fatalf("Error applying migration %s: %v", m.name, err)
		}
		if _, err = db.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES ($1, now())`, m.name); err != nil {
			zap.S().Fatalf("Error recording migration %s: %v", m.name, err)
		}
		zap.S().Infof("Applied migration %s", m.name)
	}
}

func ensureMigrationTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name text PRIMARY KEY,
		applied_at timestamptz NOT NULL
	)`)
	return err
}

var migrationsList = []migration{
	{name: "0001_dispatcher_schema", apply: V1},
}
