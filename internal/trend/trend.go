// Package trend fits battery health over time and projects when it will
// fall below a threshold. It only reads samples.
package trend

import (
	"math"
	"slices"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

const (
	day = 24 * time.Hour

	// Projections further out than this are reported as no crossing.
	maxProjectionDays = 100 * 365
)

type Method string

const (
	LeastSquares   Method = "least_squares"
	TheilSenMethod Method = "theil_sen"
)

// Result of a fit. Health values are percent, the slope is percent per
// day and Intercept is the fitted health at From.
type Result struct {
	TargetID    telemetry.TargetID `json:"target_id"`
	Method      Method             `json:"method"`
	Samples     int                `json:"samples"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	SlopePerDay float64            `json:"slope_per_day"`
	Intercept   float64            `json:"intercept"`
	Current     float64            `json:"current"`
	Threshold   float64            `json:"threshold"`
	// Crossing is the projected time health reaches Threshold. Nil when
	// health is not declining or is already at or below the threshold.
	Crossing       *time.Time `json:"crossing,omitempty"`
	BelowThreshold bool       `json:"below_threshold"`
}

// At returns the fitted health at t.
func (r Result) At(t time.Time) float64 {
	return r.Intercept + r.SlopePerDay*t.Sub(r.From).Hours()/24
}

type point struct {
	x, y float64
}

// Analyze fits health against time by ordinary least squares.
func Analyze(samples []telemetry.Sample, threshold float64) (Result, error) {
	pts, res, err := prepare(samples, threshold)
	if err != nil {
		return Result{}, err
	}
	res.Method = LeastSquares

	n := float64(len(pts))
	var sx, sy float64
	for _, p := range pts {
		sx += p.x
		sy += p.y
	}
	mx, my := sx/n, sy/n

	var sxx, sxy float64
	for _, p := range pts {
		dx := p.x - mx
		sxx += dx * dx
		sxy += dx * (p.y - my)
	}

	res.SlopePerDay = sxy / sxx
	res.Intercept = my - res.SlopePerDay*mx

	return project(res), nil
}

// TheilSen fits health against time with the median of pairwise slopes,
// which tolerates outliers such as a single miscalibrated reading.
func TheilSen(samples []telemetry.Sample, threshold float64) (Result, error) {
	pts, res, err := prepare(samples, threshold)
	if err != nil {
		return Result{}, err
	}
	res.Method = TheilSenMethod

	slopes := make([]float64, 0, len(pts)*(len(pts)-1)/2)
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if dx := pts[j].x - pts[i].x; dx != 0 {
				slopes = append(slopes, (pts[j].y-pts[i].y)/dx)
			}
		}
	}
	res.SlopePerDay = median(slopes)

	offsets := make([]float64, len(pts))
	for i, p := range pts {
		offsets[i] = p.y - res.SlopePerDay*p.x
	}
	res.Intercept = median(offsets)

	return project(res), nil
}

// prepare keeps samples that carry a health reading, orders them by time
// and converts them to days since the first one. At least two distinct
// timestamps are required.
func prepare(samples []telemetry.Sample, threshold float64) ([]point, Result, error) {
	errFactory := errors.New()

	if threshold < 0 || threshold > 100 || math.IsNaN(threshold) {
		return nil, Result{}, errFactory.WithData(ErrInvalidThreshold, threshold)
	}

	usable := make([]telemetry.Sample, 0, len(samples))
	for _, s := range samples {
		if s.HealthPercent != nil {
			usable = append(usable, s)
		}
	}
	slices.SortStableFunc(usable, func(a, b telemetry.Sample) int {
		return a.CapturedAt.Compare(b.CapturedAt)
	})

	if len(usable) < 2 || usable[0].CapturedAt.Equal(usable[len(usable)-1].CapturedAt) {
		return nil, Result{}, errFactory.WithData(ErrInsufficientData, len(usable))
	}

	first := usable[0].CapturedAt
	pts := make([]point, len(usable))
	for i, s := range usable {
		pts[i] = point{x: float64(s.CapturedAt.Sub(first)) / float64(day), y: *s.HealthPercent}
	}

	return pts, Result{
		TargetID:  usable[0].TargetID,
		Samples:   len(usable),
		From:      first,
		To:        usable[len(usable)-1].CapturedAt,
		Threshold: threshold,
	}, nil
}

func project(res Result) Result {
	res.Current = res.At(res.To)

	if res.Current <= res.Threshold {
		res.BelowThreshold = true
		return res
	}
	if res.SlopePerDay >= 0 {
		return res
	}

	days := (res.Threshold - res.Intercept) / res.SlopePerDay
	if days > maxProjectionDays {
		return res
	}
	crossing := res.From.Add(time.Duration(days * float64(day)))
	res.Crossing = &crossing

	return res
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return (sorted[mid-1] + sorted[mid]) / 2
}
