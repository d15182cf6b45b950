package history

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"github.com/Masterminds/semver/v3"
)

const metadataColumns = `target_id, name, model, os_version, serial, first_seen, updated_at`

// UpsertMetadata records what a target reported about itself. FirstSeen is
// the earliest seen; empty fields do not overwrite known values, and
// metadata older than the stored UpdatedAt never replaces a stored value.
func (s *Store) UpsertMetadata(ctx context.Context, meta telemetry.DeviceMetadata) (MetadataChange, error) {
	if meta.TargetID == "" {
		return MetadataChange{}, errors.New().WithMessage(ErrInvalidSample, "metadata without target")
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now()
	}
	if meta.FirstSeen.IsZero() {
		meta.FirstSeen = meta.UpdatedAt
	}

	var change MetadataChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		change, err = upsertMetadataTx(ctx, tx, meta)
		return err
	})
	if err != nil {
		return MetadataChange{}, err
	}

	switch {
	case change.Upgraded:
		s.log.Info().
			Str("target", meta.TargetID.String()).
			Str("from", change.PreviousOSVersion).
			Str("to", meta.OSVersion).
			Msg("OS upgrade detected")
	case change.Downgraded:
		s.log.Warn().
			Str("target", meta.TargetID.String()).
			Str("from", change.PreviousOSVersion).
			Str("to", meta.OSVersion).
			Msg("OS downgrade detected")
	}

	return change, nil
}

func upsertMetadataTx(ctx context.Context, tx *sql.Tx, meta telemetry.DeviceMetadata) (MetadataChange, error) {
	errFactory := errors.New()

	existing, err := scanMetadata(tx.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM device_metadata WHERE target_id = ?`, string(meta.TargetID)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO device_metadata (`+metadataColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?)
        `, metadataArgs(meta)...); err != nil {
			return MetadataChange{}, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		return MetadataChange{Created: true}, nil
	case err != nil:
		return MetadataChange{}, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	// Older metadata, as from an imported snapshot, only fills gaps.
	newer, older := meta, existing
	if !meta.UpdatedAt.After(existing.UpdatedAt) {
		newer, older = existing, meta
	}

	merged := existing
	merged.Name = firstNonEmpty(newer.Name, older.Name)
	merged.Model = firstNonEmpty(newer.Model, older.Model)
	merged.OSVersion = firstNonEmpty(newer.OSVersion, older.OSVersion)
	merged.Serial = firstNonEmpty(newer.Serial, older.Serial)
	merged.UpdatedAt = newer.UpdatedAt
	if meta.FirstSeen.Before(existing.FirstSeen) {
		merged.FirstSeen = meta.FirstSeen
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE device_metadata
        SET name = ?, model = ?, os_version = ?, serial = ?, first_seen = ?, updated_at = ?
        WHERE target_id = ?
    `, merged.Name, merged.Model, merged.OSVersion, merged.Serial,
		merged.FirstSeen.UnixNano(), merged.UpdatedAt.UnixNano(), string(merged.TargetID)); err != nil {
		return MetadataChange{}, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	return compareVersions(existing.OSVersion, merged.OSVersion), nil
}

// compareVersions reports how an OS version changed. Versions that are not
// semantic versions only register as a change.
func compareVersions(prev, next string) MetadataChange {
	if prev == next || prev == "" {
		return MetadataChange{}
	}

	change := MetadataChange{PreviousOSVersion: prev}

	pv, perr := semver.NewVersion(prev)
	nv, nerr := semver.NewVersion(next)
	if perr != nil || nerr != nil {
		return change
	}

	change.Upgraded = nv.GreaterThan(pv)
	change.Downgraded = nv.LessThan(pv)

	return change
}

// Metadata returns the stored metadata of target.
func (s *Store) Metadata(ctx context.Context, target telemetry.TargetID) (telemetry.DeviceMetadata, bool, error) {
	meta, err := scanMetadata(s.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM device_metadata WHERE target_id = ?`, string(target)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return telemetry.DeviceMetadata{}, false, nil
	case err != nil:
		return telemetry.DeviceMetadata{}, false, errors.New().Wrap(ErrStorageUnavailable, err)
	}

	return meta, true, nil
}

func (s *Store) allMetadata(ctx context.Context) ([]telemetry.DeviceMetadata, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, `SELECT `+metadataColumns+` FROM device_metadata ORDER BY target_id`)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var all []telemetry.DeviceMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		all = append(all, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	return all, nil
}

func scanMetadata(row rowScanner) (telemetry.DeviceMetadata, error) {
	var (
		meta               telemetry.DeviceMetadata
		firstSeen, updated int64
	)

	if err := row.Scan(&meta.TargetID, &meta.Name, &meta.Model, &meta.OSVersion, &meta.Serial, &firstSeen, &updated); err != nil {
		return telemetry.DeviceMetadata{}, err
	}
	meta.FirstSeen = time.Unix(0, firstSeen).UTC()
	meta.UpdatedAt = time.Unix(0, updated).UTC()

	return meta, nil
}

func metadataArgs(meta telemetry.DeviceMetadata) []any {
	return []any{
		string(meta.TargetID),
		meta.Name,
		meta.Model,
		meta.OSVersion,
		meta.Serial,
		meta.FirstSeen.UnixNano(),
		meta.UpdatedAt.UnixNano(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}

	return ""
}

func sortTargets(targets []TargetInfo) {
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].TargetID < targets[j].TargetID
	})
}
