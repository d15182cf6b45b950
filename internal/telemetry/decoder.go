package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"github.com/spf13/cast"
)

// Decode turns a backend payload into a canonical Sample for target.
// Charge percentage and timestamp are mandatory; every other field is
// optional and left nil when absent or unreadable.
func Decode(target TargetID, p Payload) (Sample, error) {
	var (
		s   Sample
		err error
	)

	switch payload := p.(type) {
	case PowerSupplyPayload:
		s, err = decodePowerSupply(payload)
	case *PowerSupplyPayload:
		s, err = decodePowerSupply(*payload)
	case LockdownPayload:
		s, err = decodeLockdown(payload)
	case *LockdownPayload:
		s, err = decodeLockdown(*payload)
	case IORegPayload:
		s, err = decodeIOReg(payload)
	case *IORegPayload:
		s, err = decodeIOReg(*payload)
	default:
		return Sample{}, errors.New().WithData(ErrUnsupportedPayload, p)
	}
	if err != nil {
		return Sample{}, err
	}

	s.TargetID = target
	s.CapturedAt = s.CapturedAt.UTC().Round(0)
	s.HealthPercent = HealthPercent(s.CurrentCapacity, s.DesignCapacity)

	if err := s.Validate(); err != nil {
		return Sample{}, err
	}

	return s, nil
}

func decodePowerSupply(p PowerSupplyPayload) (Sample, error) {
	props := p.Props
	units := p.Units()

	if p.At.IsZero() {
		return Sample{}, fieldError(FieldCapturedAt, "missing")
	}

	s := Sample{CapturedAt: p.At}

	percent, err := powerSupplyPercent(props)
	if err != nil {
		return Sample{}, err
	}
	s.ChargePercent = percent

	switch strings.ToLower(props["POWER_SUPPLY_STATUS"]) {
	case "charging":
		s.ChargeState = Charging
	case "full":
		s.ChargeState = Full
	default:
		s.ChargeState = Discharging
	}

	s.CycleCount = optInt(props, "POWER_SUPPLY_CYCLE_COUNT")
	// Kernels report 0 when the gauge does not track cycles.
	if s.CycleCount != nil && *s.CycleCount == 0 {
		s.CycleCount = nil
	}

	prefix := "POWER_SUPPLY_CHARGE_"
	if units.Capacity == MicrowattHours {
		prefix = "POWER_SUPPLY_ENERGY_"
	}
	volts := 0.0
	if v := optFloat(props, "POWER_SUPPLY_VOLTAGE_MIN_DESIGN"); v != nil {
		volts = *v / 1e6
	}
	s.DesignCapacity = optCapacity(props, prefix+"FULL_DESIGN", units.Capacity, volts)
	s.CurrentCapacity = optCapacity(props, prefix+"FULL", units.Capacity, volts)
	s.MaxCapacity = s.CurrentCapacity

	if t := optFloat(props, "POWER_SUPPLY_TEMP"); t != nil {
		s.Temperature = Ptr(temperatureToCelsius(*t, units.Temperature))
	}
	if v := optFloat(props, "POWER_SUPPLY_VOLTAGE_NOW"); v != nil {
		s.Voltage = Ptr(voltageToVolts(*v, units.Voltage))
	}

	return s, nil
}

func powerSupplyPercent(props map[string]string) (int, error) {
	if raw, ok := props["POWER_SUPPLY_CAPACITY"]; ok {
		return percentValue(raw)
	}

	for _, prefix := range []string{"POWER_SUPPLY_CHARGE_", "POWER_SUPPLY_ENERGY_"} {
		now := optFloat(props, prefix+"NOW")
		full := optFloat(props, prefix+"FULL")
		if now != nil && full != nil && *full > 0 {
			return percentValue(math.Round(*now / *full * 100))
		}
	}

	return 0, fieldError(FieldChargePercent, "missing")
}

func decodeLockdown(p LockdownPayload) (Sample, error) {
	values := p.Values
	units := p.Units()

	if p.At.IsZero() {
		return Sample{}, fieldError(FieldCapturedAt, "missing")
	}

	s := Sample{CapturedAt: p.At}

	raw, ok := values["BatteryCurrentCapacity"]
	if !ok {
		return Sample{}, fieldError(FieldChargePercent, "missing")
	}
	percent, err := percentValue(raw)
	if err != nil {
		return Sample{}, err
	}
	s.ChargePercent = percent

	switch {
	case flag(values["FullyCharged"]):
		s.ChargeState = Full
	case flag(values["BatteryIsCharging"]):
		s.ChargeState = Charging
	default:
		s.ChargeState = Discharging
	}

	s.CycleCount = optIntAny(values, "CycleCount")
	s.DesignCapacity = optCapacityAny(values, "DesignCapacity", units.Capacity)
	s.CurrentCapacity = optCapacityAny(values, "AppleRawMaxCapacity", units.Capacity)
	s.MaxCapacity = optCapacityAny(values, "NominalChargeCapacity", units.Capacity)

	if t := optFloatAny(values, "Temperature"); t != nil {
		s.Temperature = Ptr(temperatureToCelsius(*t, units.Temperature))
	}
	if v := optFloatAny(values, "Voltage"); v != nil {
		s.Voltage = Ptr(voltageToVolts(*v, units.Voltage))
	}

	return s, nil
}

func decodeIOReg(p IORegPayload) (Sample, error) {
	props := p.Props
	units := p.Units()

	s := Sample{CapturedAt: p.At}
	if ts := optIntAny(props, "UpdateTime"); ts != nil && *ts > 0 {
		s.CapturedAt = time.Unix(int64(*ts), 0)
	}
	if s.CapturedAt.IsZero() {
		return Sample{}, fieldError(FieldCapturedAt, "missing")
	}

	percent, err := iorPercent(props)
	if err != nil {
		return Sample{}, err
	}
	s.ChargePercent = percent

	switch {
	case flag(props["FullyCharged"]):
		s.ChargeState = Full
	case flag(props["IsCharging"]):
		s.ChargeState = Charging
	default:
		s.ChargeState = Discharging
	}

	s.CycleCount = optIntAny(props, "CycleCount")
	s.DesignCapacity = optCapacityAny(props, "DesignCapacity", units.Capacity)
	s.CurrentCapacity = optCapacityAny(props, "AppleRawMaxCapacity", units.Capacity)
	s.MaxCapacity = optCapacityAny(props, "NominalChargeCapacity", units.Capacity)

	if t := optFloatAny(props, "Temperature"); t != nil {
		s.Temperature = Ptr(temperatureToCelsius(*t, units.Temperature))
	}
	if v := optFloatAny(props, "Voltage"); v != nil {
		s.Voltage = Ptr(voltageToVolts(*v, units.Voltage))
	}

	return s, nil
}

// iorPercent handles both gauge conventions: Apple silicon reports
// CurrentCapacity as a percentage with MaxCapacity fixed at 100, Intel
// machines report both in mAh.
func iorPercent(props map[string]any) (int, error) {
	current := optFloatAny(props, "CurrentCapacity")
	if current == nil {
		return 0, fieldError(FieldChargePercent, "missing")
	}

	maxCap := optFloatAny(props, "MaxCapacity")
	if maxCap == nil || *maxCap == 100 {
		return percentValue(*current)
	}
	if *maxCap <= 0 {
		return 0, fieldError(FieldChargePercent, "zero maximum capacity")
	}

	return percentValue(math.Round(*current / *maxCap * 100))
}

// percentValue rejects readings outside [0,100] instead of clamping them.
func percentValue(raw any) (int, error) {
	f, err := cast.ToFloat64E(strings.TrimSpace(cast.ToString(raw)))
	if err != nil {
		return 0, fieldError(FieldChargePercent, "not a number")
	}
	if f < 0 || f > 100 || math.IsNaN(f) {
		return 0, fieldError(FieldChargePercent, "out of range")
	}

	return int(math.Round(f)), nil
}

func flag(v any) bool {
	if v == nil {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(cast.ToString(v))) {
	case "yes", "true", "1":
		return true
	}

	b, err := cast.ToBoolE(v)
	return err == nil && b
}

func optInt(props map[string]string, key string) *int {
	raw, ok := props[key]
	if !ok {
		return nil
	}

	return optIntAny(map[string]any{key: raw}, key)
}

func optFloat(props map[string]string, key string) *float64 {
	raw, ok := props[key]
	if !ok {
		return nil
	}

	return optFloatAny(map[string]any{key: raw}, key)
}

func optIntAny(values map[string]any, key string) *int {
	f := optFloatAny(values, key)
	if f == nil {
		return nil
	}

	return Ptr(int(math.Round(*f)))
}

// optFloatAny tolerates strings, numbers and values ioreg prints as
// unsigned 64-bit two's complement.
func optFloatAny(values map[string]any, key string) *float64 {
	raw, ok := values[key]
	if !ok || raw == nil {
		return nil
	}

	if s, isStr := raw.(string); isStr {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		raw = s
		if u, err := strconv.ParseUint(s, 10, 64); err == nil && u > math.MaxInt64 {
			return Ptr(float64(int64(u)))
		}
	}

	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	return &f
}

func optCapacity(props map[string]string, key string, unit CapacityUnit, volts float64) *int {
	f := optFloat(props, key)
	if f == nil {
		return nil
	}

	mah, ok := capacityToMilliampHours(*f, unit, volts)
	if !ok || mah <= 0 {
		return nil
	}

	return &mah
}

func optCapacityAny(values map[string]any, key string, unit CapacityUnit) *int {
	f := optFloatAny(values, key)
	if f == nil {
		return nil
	}

	mah, ok := capacityToMilliampHours(*f, unit, 0)
	if !ok || mah <= 0 {
		return nil
	}

	return &mah
}
