package telemetry

import (
	"strconv"

	"codeberg.org/mutker/battmon/internal/errors"
)

// Encode renders s in the raw convention of the given backend kind. Decode
// of the result yields s again within unit rounding. Fixture backends and
// round-trip checks use it; no production path stores encoded payloads.
func Encode(kind PayloadKind, s Sample) (Payload, error) {
	switch kind {
	case KindPowerSupply:
		return encodePowerSupply(s), nil
	case KindLockdown:
		return encodeLockdown(s), nil
	case KindIOReg:
		return encodeIOReg(s), nil
	}

	return nil, errors.New().WithData(ErrUnsupportedPayload, kind)
}

func encodePowerSupply(s Sample) PowerSupplyPayload {
	p := PowerSupplyPayload{Props: map[string]string{}, At: s.CapturedAt}
	units := Units{Capacity: MicroampHours, Temperature: DeciCelsius, Voltage: Microvolts}

	p.Props["POWER_SUPPLY_CAPACITY"] = strconv.Itoa(s.ChargePercent)
	switch s.ChargeState {
	case Charging:
		p.Props["POWER_SUPPLY_STATUS"] = "Charging"
	case Full:
		p.Props["POWER_SUPPLY_STATUS"] = "Full"
	default:
		p.Props["POWER_SUPPLY_STATUS"] = "Discharging"
	}
	if s.CycleCount != nil {
		p.Props["POWER_SUPPLY_CYCLE_COUNT"] = strconv.Itoa(*s.CycleCount)
	}
	if s.DesignCapacity != nil {
		p.Props["POWER_SUPPLY_CHARGE_FULL_DESIGN"] = formatFloat(milliampHoursToCapacity(*s.DesignCapacity, units.Capacity, 0))
	}
	if s.CurrentCapacity != nil {
		p.Props["POWER_SUPPLY_CHARGE_FULL"] = formatFloat(milliampHoursToCapacity(*s.CurrentCapacity, units.Capacity, 0))
	}
	if s.Temperature != nil {
		p.Props["POWER_SUPPLY_TEMP"] = formatFloat(celsiusToTemperature(*s.Temperature, units.Temperature))
	}
	if s.Voltage != nil {
		p.Props["POWER_SUPPLY_VOLTAGE_NOW"] = formatFloat(voltsToVoltage(*s.Voltage, units.Voltage))
	}

	return p
}

func encodeLockdown(s Sample) LockdownPayload {
	p := LockdownPayload{Values: map[string]any{}, At: s.CapturedAt}
	units := p.Units()

	p.Values["BatteryCurrentCapacity"] = s.ChargePercent
	p.Values["BatteryIsCharging"] = s.ChargeState == Charging
	p.Values["FullyCharged"] = s.ChargeState == Full
	encodeAppleCommon(p.Values, s, units)

	return p
}

func encodeIOReg(s Sample) IORegPayload {
	p := IORegPayload{Props: map[string]any{}, At: s.CapturedAt}
	units := p.Units()

	p.Props["UpdateTime"] = s.CapturedAt.Unix()
	p.Props["CurrentCapacity"] = s.ChargePercent
	p.Props["MaxCapacity"] = 100
	p.Props["IsCharging"] = yesNo(s.ChargeState == Charging)
	p.Props["FullyCharged"] = yesNo(s.ChargeState == Full)
	encodeAppleCommon(p.Props, s, units)

	return p
}

func encodeAppleCommon(values map[string]any, s Sample, units Units) {
	if s.CycleCount != nil {
		values["CycleCount"] = *s.CycleCount
	}
	if s.DesignCapacity != nil {
		values["DesignCapacity"] = *s.DesignCapacity
	}
	if s.CurrentCapacity != nil {
		values["AppleRawMaxCapacity"] = *s.CurrentCapacity
	}
	if s.MaxCapacity != nil {
		values["NominalChargeCapacity"] = *s.MaxCapacity
	}
	if s.Temperature != nil {
		values["Temperature"] = celsiusToTemperature(*s.Temperature, units.Temperature)
	}
	if s.Voltage != nil {
		values["Voltage"] = voltsToVoltage(*s.Voltage, units.Voltage)
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}

	return "No"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
