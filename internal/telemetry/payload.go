package telemetry

import "time"

// PayloadKind tags the backend-specific raw shape of a Payload.
type PayloadKind string

const (
	KindPowerSupply PayloadKind = "powersupply"
	KindLockdown    PayloadKind = "lockdown"
	KindIOReg       PayloadKind = "ioreg"
)

// Payload is the raw, loosely typed output of one backend. Only this
// package interprets its contents.
type Payload interface {
	Kind() PayloadKind
	Units() Units
	// ReadAt is when the backend obtained the payload. Decoders fall back
	// to it when the payload carries no timestamp of its own.
	ReadAt() time.Time
}

// PowerSupplyPayload holds the POWER_SUPPLY_* properties of a kernel
// power_supply uevent file.
type PowerSupplyPayload struct {
	Props map[string]string
	At    time.Time
}

func (PowerSupplyPayload) Kind() PayloadKind   { return KindPowerSupply }
func (p PowerSupplyPayload) ReadAt() time.Time { return p.At }

// Units of the kernel power_supply class. Charge values are in µAh unless
// the battery only reports energy, in which case they are in µWh.
func (p PowerSupplyPayload) Units() Units {
	capacity := MicroampHours
	if _, ok := p.Props["POWER_SUPPLY_CHARGE_FULL_DESIGN"]; !ok {
		if _, ok := p.Props["POWER_SUPPLY_ENERGY_FULL_DESIGN"]; ok {
			capacity = MicrowattHours
		}
	}

	return Units{Capacity: capacity, Temperature: DeciCelsius, Voltage: Microvolts}
}

// LockdownPayload holds values read from a device's lockdown service,
// typically the com.apple.mobile.battery domain merged with device info.
type LockdownPayload struct {
	Values map[string]any
	At     time.Time
}

func (LockdownPayload) Kind() PayloadKind   { return KindLockdown }
func (p LockdownPayload) ReadAt() time.Time { return p.At }

// Units of the lockdown battery domain and the device's diagnostics relay
// registry entry.
func (LockdownPayload) Units() Units {
	return Units{Capacity: MilliampHours, Temperature: CentiCelsius, Voltage: Millivolts}
}

// IORegPayload holds the properties of the AppleSmartBattery registry
// entry as printed by ioreg.
type IORegPayload struct {
	Props map[string]any
	At    time.Time
}

func (IORegPayload) Kind() PayloadKind   { return KindIOReg }
func (p IORegPayload) ReadAt() time.Time { return p.At }

func (IORegPayload) Units() Units {
	return Units{Capacity: MilliampHours, Temperature: DeciKelvin, Voltage: Millivolts}
}
