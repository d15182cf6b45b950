package telemetry

import "math"

type CapacityUnit string

const (
	MilliampHours  CapacityUnit = "mAh"
	MicroampHours  CapacityUnit = "µAh"
	MicrowattHours CapacityUnit = "µWh"
)

type TemperatureUnit string

const (
	Celsius      TemperatureUnit = "°C"
	DeciCelsius  TemperatureUnit = "0.1°C"
	CentiCelsius TemperatureUnit = "0.01°C"
	DeciKelvin   TemperatureUnit = "0.1K"
)

type VoltageUnit string

const (
	Volts      VoltageUnit = "V"
	Millivolts VoltageUnit = "mV"
	Microvolts VoltageUnit = "µV"
)

// Units is the explicit unit declaration of one backend's payloads. The
// decoder never assumes two backends agree.
type Units struct {
	Capacity    CapacityUnit
	Temperature TemperatureUnit
	Voltage     VoltageUnit
}

const kelvinOffset = 273.15

// capacityToMilliampHours converts raw into mAh. Energy units need the
// nominal voltage in volts and yield ok=false without it.
func capacityToMilliampHours(raw float64, unit CapacityUnit, volts float64) (int, bool) {
	switch unit {
	case MilliampHours:
		return int(math.Round(raw)), true
	case MicroampHours:
		return int(math.Round(raw / 1000)), true
	case MicrowattHours:
		if volts <= 0 {
			return 0, false
		}
		return int(math.Round(raw / 1000 / volts)), true
	}

	return 0, false
}

func milliampHoursToCapacity(mah int, unit CapacityUnit, volts float64) float64 {
	switch unit {
	case MicroampHours:
		return float64(mah) * 1000
	case MicrowattHours:
		return float64(mah) * 1000 * volts
	default:
		return float64(mah)
	}
}

func temperatureToCelsius(raw float64, unit TemperatureUnit) float64 {
	switch unit {
	case DeciCelsius:
		return round(raw/10, 2)
	case CentiCelsius:
		return round(raw/100, 2)
	case DeciKelvin:
		return round(raw/10-kelvinOffset, 2)
	default:
		return round(raw, 2)
	}
}

func celsiusToTemperature(c float64, unit TemperatureUnit) float64 {
	switch unit {
	case DeciCelsius:
		return math.Round(c * 10)
	case CentiCelsius:
		return math.Round(c * 100)
	case DeciKelvin:
		return math.Round((c + kelvinOffset) * 10)
	default:
		return c
	}
}

func voltageToVolts(raw float64, unit VoltageUnit) float64 {
	switch unit {
	case Millivolts:
		return round(raw/1e3, 3)
	case Microvolts:
		return round(raw/1e6, 3)
	default:
		return round(raw, 3)
	}
}

func voltsToVoltage(v float64, unit VoltageUnit) float64 {
	switch unit {
	case Millivolts:
		return math.Round(v * 1e3)
	case Microvolts:
		return math.Round(v * 1e6)
	default:
		return v
	}
}

// HealthPercent derives health from present full-charge and design
// capacity, clamped to [0,100].
func HealthPercent(current, design *int) *float64 {
	if current == nil || design == nil || *design <= 0 {
		return nil
	}

	h := float64(*current) / float64(*design) * 100
	h = math.Max(0, math.Min(100, h))

	return Ptr(round(h, 2))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
