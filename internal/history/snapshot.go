package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

const (
	SnapshotFormat  = "battmon-history"
	SnapshotVersion = 1
)

// Snapshot is the export document. Field names are part of the format and
// must not change between versions.
type Snapshot struct {
	Format        string                     `json:"format"`
	FormatVersion int                        `json:"format_version"`
	ExportedAt    time.Time                  `json:"exported_at"`
	Samples       []telemetry.Sample         `json:"samples"`
	Devices       []telemetry.DeviceMetadata `json:"devices"`
}

// ExportSnapshot writes every sample and every metadata record to w.
func (s *Store) ExportSnapshot(ctx context.Context, w io.Writer) error {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, selectAllSamplesSQL)
	if err != nil {
		return errFactory.Wrap(ErrStorageUnavailable, err)
	}
	samples, err := collectSamples(rows, []telemetry.Sample{})
	rows.Close()
	if err != nil {
		return err
	}

	devices, err := s.allMetadata(ctx)
	if err != nil {
		return err
	}
	if devices == nil {
		devices = []telemetry.DeviceMetadata{}
	}

	snap := Snapshot{
		Format:        SnapshotFormat,
		FormatVersion: SnapshotVersion,
		ExportedAt:    time.Now().UTC(),
		Samples:       samples,
		Devices:       devices,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return errFactory.Wrap(ErrStorageUnavailable, err)
	}

	s.log.Info().
		Int("samples", len(samples)).
		Int("devices", len(devices)).
		Msg("History exported")

	return nil
}

// ImportSnapshot adds the contents of a snapshot to the store. Samples go
// through the same dedup rule as InsertIfAbsent: identical ones are
// counted as duplicates, conflicting ones are skipped and counted. The
// import is applied in a single transaction.
func (s *Store) ImportSnapshot(ctx context.Context, r io.Reader) (ImportReport, error) {
	errFactory := errors.New()

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return ImportReport{}, errFactory.Wrap(ErrSnapshotFormat, err)
	}
	if snap.Format != SnapshotFormat {
		return ImportReport{}, errFactory.WithData(ErrSnapshotFormat, snap.Format)
	}
	if snap.FormatVersion < 1 || snap.FormatVersion > SnapshotVersion {
		return ImportReport{}, errFactory.WithData(ErrSnapshotFormat, snap.FormatVersion)
	}

	var report ImportReport
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sample := range snap.Samples {
			if err := sample.Validate(); err != nil {
				report.Invalid++
				continue
			}
			sample.CapturedAt = sample.CapturedAt.UTC()

			inserted, err := insertTx(ctx, tx, sample)
			switch {
			case errors.HasCode(err, ErrConflict):
				report.Conflicts++
				s.log.Warn().
					Str("target", sample.TargetID.String()).
					Time("captured_at", sample.CapturedAt).
					Msg("Skipped conflicting sample")
			case err != nil:
				return err
			case inserted:
				report.Inserted++
			default:
				report.Duplicates++
			}
		}

		for _, meta := range snap.Devices {
			if meta.TargetID == "" {
				continue
			}
			if meta.UpdatedAt.IsZero() {
				meta.UpdatedAt = snap.ExportedAt
			}
			if meta.FirstSeen.IsZero() {
				meta.FirstSeen = meta.UpdatedAt
			}
			if _, err := upsertMetadataTx(ctx, tx, meta); err != nil {
				return err
			}
			report.Devices++
		}

		return nil
	})
	if err != nil {
		return ImportReport{}, err
	}

	s.log.Info().
		Int("inserted", report.Inserted).
		Int("duplicates", report.Duplicates).
		Int("conflicts", report.Conflicts).
		Int("invalid", report.Invalid).
		Int("devices", report.Devices).
		Msg("History imported")

	return report, nil
}
