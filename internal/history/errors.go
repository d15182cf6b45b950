package history

import "codeberg.org/mutker/battmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")

	// Storage Errors
	ErrStorageUnavailable = errors.ErrorCode("history_storage_unavailable")
	ErrStorageClose       = errors.ErrShutdownFailed

	// Data Errors
	ErrConflict       = errors.ErrorCode("history_conflict")
	ErrInvalidSample  = errors.ErrorCode("history_invalid_sample")
	ErrInvalidMonth   = errors.ErrorCode("history_invalid_month")
	ErrSnapshotFormat = errors.ErrorCode("history_snapshot_format")

	// Backup Errors
	ErrBackupFailed  = errors.ErrorCode("history_backup_failed")
	ErrRestoreFailed = errors.ErrorCode("history_restore_failed")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrInvalidDBPath:          "Invalid history database path",
		ErrSchemaInitFailed:       "Failed to initialize history schema",
		ErrSchemaValidationFailed: "Failed to validate history schema",
		ErrSchemaMigrationFailed:  "Failed to migrate history schema",
		ErrStorageUnavailable:     "History storage unavailable",
		ErrConflict:               "A different sample is already stored at this key",
		ErrInvalidSample:          "Sample violates storage invariants",
		ErrInvalidMonth:           "Invalid year-month",
		ErrSnapshotFormat:         "Unrecognized history snapshot",
		ErrBackupFailed:           "History backup failed",
		ErrRestoreFailed:          "History restore failed",
	})
}
