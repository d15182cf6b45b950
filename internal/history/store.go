// Package history persists battery samples in an append-only SQLite
// timeline and derives monthly summaries from it.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the history database. It is safe for concurrent use; writers
// serialize on SQLite's write lock, readers proceed in parallel under WAL.
type Store struct {
	db  *sql.DB
	cfg Config
	log logger.Logger
}

// Open opens or creates the database at cfg.DBPath.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	errFactory := errors.New()
	log := logger.Component("history")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageUnavailable, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Immediate transactions take the write lock up front so concurrent
	// writers wait on busy_timeout instead of failing on lock upgrade.
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageUnavailable, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(ctx, db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("History store opened")

	return &Store{db: db, cfg: cfg, log: log}, nil
}

func (s *Store) Close() error {
	errFactory := errors.New()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.log.Info().Msg("History store closed")

	return nil
}

// InsertIfAbsent stores sample unless a sample already exists at its
// (target, captured_at) key. An identical existing sample is not an error
// and reports inserted=false; a different one fails with ErrConflict and
// is left untouched.
func (s *Store) InsertIfAbsent(ctx context.Context, sample telemetry.Sample) (bool, error) {
	if err := sample.Validate(); err != nil {
		return false, errors.New().Wrap(ErrInvalidSample, err)
	}
	sample.CapturedAt = sample.CapturedAt.UTC()

	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertTx(ctx, tx, sample)
		return err
	})

	return inserted, err
}

func insertTx(ctx context.Context, tx *sql.Tx, sample telemetry.Sample) (bool, error) {
	errFactory := errors.New()

	res, err := tx.ExecContext(ctx, insertSampleSQL, sampleArgs(sample)...)
	if err != nil {
		return false, errFactory.Wrap(ErrStorageUnavailable, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, errFactory.Wrap(ErrStorageUnavailable, err)
	} else if n == 1 {
		if err := invalidateTx(ctx, tx, sample.TargetID, sample.CapturedAt); err != nil {
			return false, err
		}
		return true, nil
	}

	existing, err := scanSample(tx.QueryRowContext(ctx, selectSampleSQL, string(sample.TargetID), sample.CapturedAt.UnixNano()))
	if err != nil {
		return false, errFactory.Wrap(ErrStorageUnavailable, err)
	}
	if !existing.Equal(&sample) {
		return false, errFactory.WithData(ErrConflict, sample.Key())
	}

	return false, nil
}

// QueryRange returns the samples of target captured within [from, to] in
// ascending order. It never returns nil on success.
func (s *Store) QueryRange(ctx context.Context, target telemetry.TargetID, from, to time.Time) ([]telemetry.Sample, error) {
	samples := []telemetry.Sample{}
	if to.Before(from) {
		return samples, nil
	}

	rows, err := s.db.QueryContext(ctx, selectRangeSQL, string(target), from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	return collectSamples(rows, samples)
}

// Latest returns the most recent sample of target.
func (s *Store) Latest(ctx context.Context, target telemetry.TargetID) (telemetry.Sample, bool, error) {
	sample, err := scanSample(s.db.QueryRowContext(ctx, selectLatestSQL, string(target)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return telemetry.Sample{}, false, nil
	case err != nil:
		return telemetry.Sample{}, false, errors.New().Wrap(ErrStorageUnavailable, err)
	}

	return sample, true, nil
}

// ListTargets returns every target with samples or metadata, ordered by
// target ID.
func (s *Store) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	errFactory := errors.New()

	metadata, err := s.allMetadata(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT target_id, MIN(captured_at), MAX(captured_at), COUNT(*)
        FROM samples
        GROUP BY target_id
    `)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	byTarget := make(map[telemetry.TargetID]*TargetInfo)
	for rows.Next() {
		var (
			info        TargetInfo
			first, last int64
		)
		if err := rows.Scan(&info.TargetID, &first, &last, &info.SampleCount); err != nil {
			return nil, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		info.FirstSample = time.Unix(0, first).UTC()
		info.LastSample = time.Unix(0, last).UTC()
		byTarget[info.TargetID] = &info
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	for i := range metadata {
		m := metadata[i]
		info, ok := byTarget[m.TargetID]
		if !ok {
			info = &TargetInfo{TargetID: m.TargetID}
			byTarget[m.TargetID] = info
		}
		info.Metadata = &m
	}

	targets := make([]TargetInfo, 0, len(byTarget))
	for _, info := range byTarget {
		targets = append(targets, *info)
	}
	sortTargets(targets)

	return targets, nil
}

// withTx runs fn in a transaction that is committed only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrStorageUnavailable, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrStorageUnavailable, err)
	}
	committed = true

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (telemetry.Sample, error) {
	var (
		s          telemetry.Sample
		capturedAt int64
	)

	err := row.Scan(
		&s.TargetID,
		&capturedAt,
		&s.ChargePercent,
		&s.ChargeState,
		&s.CycleCount,
		&s.DesignCapacity,
		&s.CurrentCapacity,
		&s.MaxCapacity,
		&s.Temperature,
		&s.Voltage,
		&s.HealthPercent,
	)
	if err != nil {
		return telemetry.Sample{}, err
	}
	s.CapturedAt = time.Unix(0, capturedAt).UTC()

	return s, nil
}

func collectSamples(rows *sql.Rows, samples []telemetry.Sample) ([]telemetry.Sample, error) {
	errFactory := errors.New()

	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	return samples, nil
}

func sampleArgs(s telemetry.Sample) []any {
	return []any{
		string(s.TargetID),
		s.CapturedAt.UnixNano(),
		s.ChargePercent,
		string(s.ChargeState),
		nullable(s.CycleCount),
		nullable(s.DesignCapacity),
		nullable(s.CurrentCapacity),
		nullable(s.MaxCapacity),
		nullable(s.Temperature),
		nullable(s.Voltage),
		nullable(s.HealthPercent),
	}
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}

	return *p
}
