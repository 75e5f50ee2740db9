package registry

import (
	"database/sql"
	"fmt"

	"keepkeyhost/internal/errs"
)

// schemaVersion is the current known schema version. Grounded on
// keepkey-db/src/migrations.rs, which tracks an equivalent integer in a
// dedicated meta row and refuses to open a database stamped with a newer
// version than the running binary understands.
const schemaVersion = 1

// migrations holds every schema statement set in order; index 0 is
// schemaVersion 1, and so on. A real second migration would simply append
// here — there is only one today.
var migrations = []string{schemaV1}

// applyMigrations brings db up to schemaVersion, recording the applied
// version in the meta table. It is safe to call on every Open: each
// statement set uses CREATE TABLE IF NOT EXISTS, and the version check
// short-circuits once the database is already current.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return errs.Storage("create meta table", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	if current > schemaVersion {
		return errs.Storage(fmt.Sprintf("database schema version %d is newer than this binary supports (%d)", current, schemaVersion), nil)
	}

	for v := current; v < schemaVersion; v++ {
		stmt := migrations[v]
		if _, err := db.Exec(stmt); err != nil {
			return errs.Storage(fmt.Sprintf("apply migration %d", v+1), err)
		}
		if err := setVersion(db, v+1); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'db_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage("read db_version", err)
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, errs.Storage("parse db_version", err)
	}
	return v, nil
}

func setVersion(db *sql.DB, v int) error {
	_, err := db.Exec(`INSERT INTO meta(key, value) VALUES ('db_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", v))
	if err != nil {
		return errs.Storage("write db_version", err)
	}
	return nil
}
