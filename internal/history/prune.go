package history

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

type monthKey struct {
	target telemetry.TargetID
	month  string
}

// PruneBefore deletes every sample captured before cutoff and rebuilds the
// summaries of the months it touched. It returns the number of samples
// removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	errFactory := errors.New()

	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT DISTINCT target_id, strftime('%Y-%m', captured_at / 1000000000, 'unixepoch')
            FROM samples
            WHERE captured_at < ?
        `, cutoff.UnixNano())
		if err != nil {
			return errFactory.Wrap(ErrStorageUnavailable, err)
		}

		var affected []monthKey
		for rows.Next() {
			var k monthKey
			if err := rows.Scan(&k.target, &k.month); err != nil {
				rows.Close()
				return errFactory.Wrap(ErrStorageUnavailable, err)
			}
			affected = append(affected, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errFactory.Wrap(ErrStorageUnavailable, err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE captured_at < ?`, cutoff.UnixNano())
		if err != nil {
			return errFactory.Wrap(ErrStorageUnavailable, err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return errFactory.Wrap(ErrStorageUnavailable, err)
		}

		for _, k := range affected {
			start, err := ParseYearMonth(k.month)
			if err != nil {
				return err
			}
			if _, err := recomputeTx(ctx, tx, k.target, start); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.log.Info().
			Int64("samples", deleted).
			Time("cutoff", cutoff).
			Msg("Pruned history")
	}

	return deleted, nil
}
