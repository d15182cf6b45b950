package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
)

const backupTimeFormat = "20060102T150405.000Z"

// vacuumInto writes a consistent copy of the database to a new file in dir.
func vacuumInto(ctx context.Context, db *sql.DB, dir, prefix string) (string, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", errFactory.WithData(ErrBackupFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup_dir",
			Path:  dir,
			Error: err.Error(),
		})
	}

	timestamp := time.Now().UTC().Format(backupTimeFormat)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s_%s.db", prefix, timestamp))

	// VACUUM INTO requires no active transaction
	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", errFactory.WithData(ErrBackupFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup",
			Path:  backupPath,
			Error: err.Error(),
		})
	}

	return backupPath, nil
}

// ValidateAndUpdateSchema creates the schema in an empty database and
// checks the version of an existing one. History is never dropped: a
// database written by another schema version is backed up and refused.
func ValidateAndUpdateSchema(ctx context.Context, db *sql.DB, backupDir string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(ctx, db)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to get schema version")
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	log.Debug().
		Int("version", version).
		Bool("init_db", version == 0).
		Msg("Current schema version")

	switch {
	case version == 0:
		return InitSchema(ctx, db, log)
	case version == SchemaVersion:
		log.Debug().
			Int("version", version).
			Msg("Schema version is current")
		return nil
	}

	backupPath, err := vacuumInto(ctx, db, backupDir, fmt.Sprintf("history_v%d", version))
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	log.Warn().
		Int("version", version).
		Int("supported", SchemaVersion).
		Str("backup", backupPath).
		Msg("History database has an unsupported schema version")

	return errFactory.WithData(ErrSchemaMigrationFailed, struct {
		From   int
		To     int
		Backup string
	}{
		From:   version,
		To:     SchemaVersion,
		Backup: backupPath,
	})
}
