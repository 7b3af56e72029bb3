package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// migrate brings the database to the newest version in steps and returns the
// resulting version. The schema version lives in PRAGMA user_version and is
// updated in the same transaction as the steps, so a failure leaves the
// previous schema in place.
func migrate(db *sql.DB, steps []migration) (int, error) {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("%w: reading schema version: %w", types.ErrMigrationFailure, err)
	}

	latest := 0
	for _, m := range steps {
		if m.version > latest {
			latest = m.version
		}
	}
	if current > latest {
		return current, fmt.Errorf("%w: database schema v%d is newer than supported v%d",
			types.ErrMigrationFailure, current, latest)
	}
	if current == latest {
		return current, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return current, fmt.Errorf("%w: beginning migration: %w", types.ErrMigrationFailure, err)
	}
	for _, m := range steps {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return current, fmt.Errorf("%w: v%d (%s): %w",
					types.ErrMigrationFailure, m.version, m.description, err)
			}
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", latest)); err != nil {
		tx.Rollback()
		return current, fmt.Errorf("%w: recording schema version: %w", types.ErrMigrationFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("%w: committing migration: %w", types.ErrMigrationFailure, err)
	}
	return latest, nil
}
