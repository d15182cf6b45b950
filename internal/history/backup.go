package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
)

// Backup writes a point-in-time copy of the store into the backup
// directory and returns its path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	path, err := vacuumInto(ctx, s.db, s.cfg.backupDir(), "history")
	if err != nil {
		return "", err
	}

	s.log.Info().
		Str("path", path).
		Msg("History backup created")

	return path, nil
}

// Restore replaces the database at dbPath with the backup at backupPath.
// The store must not be open. The current database, if any, is kept next
// to dbPath and its path returned.
func Restore(ctx context.Context, backupPath, dbPath string) (string, error) {
	errFactory := errors.New()
	log := logger.Component("history")

	if err := checkBackup(ctx, backupPath); err != nil {
		return "", err
	}

	var previous string
	if _, err := os.Stat(dbPath); err == nil {
		previous = fmt.Sprintf("%s.pre-restore-%s", dbPath, time.Now().UTC().Format(backupTimeFormat))
		if err := copyFile(dbPath, previous); err != nil {
			return "", errFactory.WithData(ErrRestoreFailed, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "save_current",
				Path:  previous,
				Error: err.Error(),
			})
		}
	}

	// Stale WAL files belong to the database being replaced.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return "", errFactory.Wrap(ErrRestoreFailed, err)
		}
	}

	tmp := dbPath + ".restore"
	if err := copyFile(backupPath, tmp); err != nil {
		return "", errFactory.Wrap(ErrRestoreFailed, err)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		os.Remove(tmp)
		return "", errFactory.Wrap(ErrRestoreFailed, err)
	}

	log.Info().
		Str("backup", backupPath).
		Str("path", dbPath).
		Str("previous", previous).
		Msg("History restored")

	return previous, nil
}

// checkBackup makes sure path is an intact database of the current schema.
func checkBackup(ctx context.Context, path string) error {
	errFactory := errors.New()

	if _, err := os.Stat(path); err != nil {
		return errFactory.Wrap(ErrRestoreFailed, err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return errFactory.Wrap(ErrRestoreFailed, err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return errFactory.Wrap(ErrRestoreFailed, err)
	}
	if integrity != "ok" {
		return errFactory.WithData(ErrRestoreFailed, integrity)
	}

	version, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return errFactory.Wrap(ErrRestoreFailed, err)
	}
	if version != SchemaVersion {
		return errFactory.WithData(ErrRestoreFailed, struct {
			Version   int
			Supported int
		}{
			Version:   version,
			Supported: SchemaVersion,
		})
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), defaultDirPerm); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
