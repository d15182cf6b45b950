package history

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       target_id        TEXT NOT NULL,
	       captured_at      INTEGER NOT NULL CHECK (typeof(captured_at) = 'integer'),
	       charge_percent   INTEGER NOT NULL CHECK (charge_percent BETWEEN 0 AND 100),
	       charge_state     TEXT NOT NULL CHECK (charge_state IN ('charging', 'discharging', 'full')),
	       cycle_count      INTEGER CHECK (cycle_count IS NULL OR cycle_count >= 0),
	       design_capacity  INTEGER,
	       current_capacity INTEGER,
	       max_capacity     INTEGER,
	       temperature      REAL,
	       voltage          REAL,
	       health_percent   REAL CHECK (health_percent IS NULL OR health_percent BETWEEN 0 AND 100),
	       PRIMARY KEY (target_id, captured_at)
	   ) WITHOUT ROWID;
	   CREATE TRIGGER IF NOT EXISTS samples_immutable
	       BEFORE UPDATE ON samples
	   BEGIN
	       SELECT RAISE(ABORT, 'samples are immutable');
	   END;
	   CREATE TABLE IF NOT EXISTS device_metadata (
	       target_id   TEXT PRIMARY KEY,
	       name        TEXT NOT NULL DEFAULT '',
	       model       TEXT NOT NULL DEFAULT '',
	       os_version  TEXT NOT NULL DEFAULT '',
	       serial      TEXT NOT NULL DEFAULT '',
	       first_seen  INTEGER NOT NULL,
	       updated_at  INTEGER NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS monthly_summaries (
	       target_id          TEXT NOT NULL,
	       year_month         TEXT NOT NULL,
	       avg_health_percent REAL,
	       avg_cycle_count    REAL,
	       sample_count       INTEGER NOT NULL CHECK (sample_count > 0),
	       PRIMARY KEY (target_id, year_month)
	   );`

	sampleColumns = `target_id, captured_at, charge_percent, charge_state, cycle_count,
	    design_capacity, current_capacity, max_capacity, temperature, voltage, health_percent`

	insertSampleSQL = `
    INSERT INTO samples (` + sampleColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (target_id, captured_at) DO NOTHING`

	selectSampleSQL = `
    SELECT ` + sampleColumns + `
    FROM samples
    WHERE target_id = ? AND captured_at = ?`

	selectRangeSQL = `
    SELECT ` + sampleColumns + `
    FROM samples
    WHERE target_id = ? AND captured_at BETWEEN ? AND ?
    ORDER BY captured_at ASC`

	selectLatestSQL = `
    SELECT ` + sampleColumns + `
    FROM samples
    WHERE target_id = ?
    ORDER BY captured_at DESC
    LIMIT 1`

	selectAllSamplesSQL = `
    SELECT ` + sampleColumns + `
    FROM samples
    ORDER BY target_id ASC, captured_at ASC`
)

// InitSchema creates a new database schema with the current version
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}

	return exists, nil
}
