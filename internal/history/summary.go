package history

import (
	"context"
	"database/sql"
	"math"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

const yearMonthLayout = "2006-01"

// YearMonth returns the UTC calendar month of t as YYYY-MM.
func YearMonth(t time.Time) string {
	return t.UTC().Format(yearMonthLayout)
}

// ParseYearMonth returns the first instant of a YYYY-MM month in UTC.
func ParseYearMonth(ym string) (time.Time, error) {
	t, err := time.ParseInLocation(yearMonthLayout, ym, time.UTC)
	if err != nil {
		return time.Time{}, errors.New().Wrap(ErrInvalidMonth, err)
	}

	return t, nil
}

// RecomputeMonthlySummaries rebuilds the cached summary of one month from
// the stored samples. A month without samples has its summary removed
// and yields a summary with a zero count.
func (s *Store) RecomputeMonthlySummaries(ctx context.Context, target telemetry.TargetID, yearMonth string) (telemetry.MonthlySummary, error) {
	start, err := ParseYearMonth(yearMonth)
	if err != nil {
		return telemetry.MonthlySummary{}, err
	}

	var summary telemetry.MonthlySummary
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		summary, err = recomputeTx(ctx, tx, target, start)
		return err
	})

	return summary, err
}

// MonthlySummaries returns the summaries of every month target has samples
// in, oldest first, rebuilding any that were invalidated.
func (s *Store) MonthlySummaries(ctx context.Context, target telemetry.TargetID) ([]telemetry.MonthlySummary, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT strftime('%Y-%m', captured_at / 1000000000, 'unixepoch') AS ym
        FROM samples
        WHERE target_id = ?
          AND ym NOT IN (SELECT year_month FROM monthly_summaries WHERE target_id = ?)
    `, string(target), string(target))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	var stale []string
	for rows.Next() {
		var ym string
		if err := rows.Scan(&ym); err != nil {
			rows.Close()
			return nil, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		stale = append(stale, ym)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	for _, ym := range stale {
		if _, err := s.RecomputeMonthlySummaries(ctx, target, ym); err != nil {
			return nil, err
		}
	}

	rows, err = s.db.QueryContext(ctx, `
        SELECT target_id, year_month, avg_health_percent, avg_cycle_count, sample_count
        FROM monthly_summaries
        WHERE target_id = ?
        ORDER BY year_month ASC
    `, string(target))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	summaries := []telemetry.MonthlySummary{}
	for rows.Next() {
		var m telemetry.MonthlySummary
		if err := rows.Scan(&m.TargetID, &m.YearMonth, &m.AvgHealthPercent, &m.AvgCycleCount, &m.SampleCount); err != nil {
			return nil, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		summaries = append(summaries, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	return summaries, nil
}

func recomputeTx(ctx context.Context, tx *sql.Tx, target telemetry.TargetID, start time.Time) (telemetry.MonthlySummary, error) {
	errFactory := errors.New()
	ym := YearMonth(start)

	rows, err := tx.QueryContext(ctx, `
        SELECT health_percent, cycle_count
        FROM samples
        WHERE target_id = ? AND captured_at >= ? AND captured_at < ?
        ORDER BY captured_at ASC
    `, string(target), start.UnixNano(), start.AddDate(0, 1, 0).UnixNano())
	if err != nil {
		return telemetry.MonthlySummary{}, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	var (
		healths []float64
		cycles  []float64
		count   int
	)
	for rows.Next() {
		var (
			health sql.NullFloat64
			cycle  sql.NullInt64
		)
		if err := rows.Scan(&health, &cycle); err != nil {
			rows.Close()
			return telemetry.MonthlySummary{}, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		count++
		if health.Valid {
			healths = append(healths, health.Float64)
		}
		if cycle.Valid {
			cycles = append(cycles, float64(cycle.Int64))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return telemetry.MonthlySummary{}, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	summary := telemetry.MonthlySummary{
		TargetID:         target,
		YearMonth:        ym,
		AvgHealthPercent: average(healths),
		AvgCycleCount:    average(cycles),
		SampleCount:      count,
	}

	if count == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM monthly_summaries WHERE target_id = ? AND year_month = ?`, string(target), ym); err != nil {
			return telemetry.MonthlySummary{}, errFactory.Wrap(ErrStorageUnavailable, err)
		}
		return summary, nil
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO monthly_summaries (target_id, year_month, avg_health_percent, avg_cycle_count, sample_count)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (target_id, year_month) DO UPDATE SET
            avg_health_percent = excluded.avg_health_percent,
            avg_cycle_count = excluded.avg_cycle_count,
            sample_count = excluded.sample_count
    `, string(target), ym, nullable(summary.AvgHealthPercent), nullable(summary.AvgCycleCount), count); err != nil {
		return telemetry.MonthlySummary{}, errFactory.Wrap(ErrStorageUnavailable, err)
	}

	return summary, nil
}

// invalidateTx drops the cached summary of the month t falls in.
func invalidateTx(ctx context.Context, tx *sql.Tx, target telemetry.TargetID, t time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM monthly_summaries WHERE target_id = ? AND year_month = ?`, string(target), YearMonth(t)); err != nil {
		return errors.New().Wrap(ErrStorageUnavailable, err)
	}

	return nil
}

// average sums in the given order and rounds to two decimals, so equal
// inputs always produce equal outputs.
func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := math.Round(sum/float64(len(values))*100) / 100

	return &avg
}
