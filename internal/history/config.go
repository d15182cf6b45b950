package history

import (
	"os"
	"path/filepath"

	"codeberg.org/mutker/battmon/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	defaultDBName   = "history.db"
	backupDirName   = "backups"
)

type Config struct {
	DBPath string
	// BackupDir defaults to a backups directory next to the database.
	BackupDir     string
	RetentionDays int
}

func DefaultConfig() Config {
	return Config{
		DBPath: DefaultDBPath(),
	}
}

// DefaultDBPath follows the XDG base directory layout.
func DefaultDBPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataHome = filepath.Join(home, ".local", "share")
		} else {
			dataHome = os.TempDir()
		}
	}

	return filepath.Join(dataHome, "battmon", defaultDBName)
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.RetentionDays < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "retention days must not be negative")
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), backupDirName)
}
