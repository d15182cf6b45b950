package telemetry

import (
	"time"
)

// ChargeState is the tri-state charging condition of a battery.
type ChargeState string

const (
	Discharging ChargeState = "discharging"
	Charging    ChargeState = "charging"
	Full        ChargeState = "full"
)

// Valid reports whether s is one of the three known states.
func (s ChargeState) Valid() bool {
	switch s {
	case Discharging, Charging, Full:
		return true
	default:
		return false
	}
}

// Sample is one immutable observation of a target's battery.
//
// Capacities are in mAh, temperature in degrees Celsius and voltage in
// volts regardless of the backend that produced the reading. Optional
// fields are nil when the backend did not report them. CurrentCapacity is
// the battery's present full-charge capacity and MaxCapacity the vendor's
// nominal maximum.
type Sample struct {
	TargetID        TargetID    `json:"target_id"`
	CapturedAt      time.Time   `json:"captured_at"`
	ChargePercent   int         `json:"charge_percent"`
	ChargeState     ChargeState `json:"charge_state"`
	CycleCount      *int        `json:"cycle_count,omitempty"`
	DesignCapacity  *int        `json:"design_capacity,omitempty"`
	CurrentCapacity *int        `json:"current_capacity,omitempty"`
	MaxCapacity     *int        `json:"max_capacity,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	Voltage         *float64    `json:"voltage,omitempty"`
	HealthPercent   *float64    `json:"health_percent,omitempty"`
}

// Key returns the dedup key of the sample.
func (s *Sample) Key() Key {
	return Key{TargetID: s.TargetID, CapturedAt: s.CapturedAt.UnixNano()}
}

// Equal reports whether two samples carry identical content.
func (s *Sample) Equal(o *Sample) bool {
	return s.TargetID == o.TargetID &&
		s.CapturedAt.Equal(o.CapturedAt) &&
		s.ChargePercent == o.ChargePercent &&
		s.ChargeState == o.ChargeState &&
		eqPtr(s.CycleCount, o.CycleCount) &&
		eqPtr(s.DesignCapacity, o.DesignCapacity) &&
		eqPtr(s.CurrentCapacity, o.CurrentCapacity) &&
		eqPtr(s.MaxCapacity, o.MaxCapacity) &&
		eqPtr(s.Temperature, o.Temperature) &&
		eqPtr(s.Voltage, o.Voltage) &&
		eqPtr(s.HealthPercent, o.HealthPercent)
}

// Validate checks the invariants every stored sample must satisfy.
func (s *Sample) Validate() error {
	switch {
	case s.TargetID == "":
		return fieldError(FieldTargetID, "empty")
	case s.CapturedAt.IsZero():
		return fieldError(FieldCapturedAt, "missing")
	case s.ChargePercent < 0 || s.ChargePercent > 100:
		return fieldError(FieldChargePercent, "out of range")
	case !s.ChargeState.Valid():
		return fieldError(FieldChargeState, "unknown state")
	case s.CycleCount != nil && *s.CycleCount < 0:
		return fieldError(FieldCycleCount, "negative")
	case s.DesignCapacity != nil && *s.DesignCapacity < 0:
		return fieldError(FieldDesignCapacity, "negative")
	case s.CurrentCapacity != nil && *s.CurrentCapacity < 0:
		return fieldError(FieldCurrentCapacity, "negative")
	case s.MaxCapacity != nil && *s.MaxCapacity < 0:
		return fieldError(FieldMaxCapacity, "negative")
	case s.HealthPercent != nil && (*s.HealthPercent < 0 || *s.HealthPercent > 100):
		return fieldError(FieldHealthPercent, "out of range")
	}

	return nil
}

// Key identifies a sample in the history.
type Key struct {
	TargetID   TargetID
	CapturedAt int64
}

// DeviceMetadata holds rarely changing descriptive attributes of a target.
type DeviceMetadata struct {
	TargetID  TargetID  `json:"target_id"`
	Name      string    `json:"name,omitempty"`
	Model     string    `json:"model,omitempty"`
	OSVersion string    `json:"os_version,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MonthlySummary is a recomputable aggregate of one target's samples in
// one calendar month (UTC).
type MonthlySummary struct {
	TargetID         TargetID `json:"target_id"`
	YearMonth        string   `json:"year_month"`
	AvgHealthPercent *float64 `json:"avg_health_percent,omitempty"`
	AvgCycleCount    *float64 `json:"avg_cycle_count,omitempty"`
	SampleCount      int      `json:"sample_count"`
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

// Ptr returns a pointer to v. It keeps optional fields terse in callers.
func Ptr[T any](v T) *T {
	return &v
}
