package backend

import (
	"context"
	"time"

	"codeberg.org/mutker/battmon/internal/telemetry"
)

// Scope tells a backend whether a target is the local machine or an
// external device.
type Scope int

const (
	ScopeHost Scope = iota
	ScopeDevice
)

func (s Scope) String() string {
	if s == ScopeHost {
		return "host"
	}

	return "device"
}

// Target is what a backend reads from. Handle is backend specific; for
// devices it is the UDID the device was discovered under.
type Target struct {
	ID     telemetry.TargetID
	Scope  Scope
	Handle string
}

// Capabilities describes what a backend can currently do. A zero value
// means the backend is unavailable.
type Capabilities struct {
	Host          bool
	Devices       bool
	Discovery     bool
	Notifications bool
}

// Available reports whether the backend can read anything at all.
func (c Capabilities) Available() bool {
	return c.Host || c.Devices
}

// Supports reports whether the backend can read targets of the given scope.
func (c Capabilities) Supports(scope Scope) bool {
	if scope == ScopeHost {
		return c.Host
	}

	return c.Devices
}

// Backend is one way of reading battery telemetry.
type Backend interface {
	Name() string
	// Probe checks which capabilities are present right now. It must be
	// cheap and must not fail; missing capabilities are simply false.
	Probe(ctx context.Context) Capabilities
	Fetch(ctx context.Context, target Target) (telemetry.Payload, error)
}

// DeviceInfo is what a device reports about itself when a session is
// established.
type DeviceInfo struct {
	Handle    string
	Serial    string
	Name      string
	Model     string
	OSVersion string
}

// DeviceBackend is implemented by backends that can enumerate and connect
// to external devices.
type DeviceBackend interface {
	Backend
	Scan(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, handle string) (DeviceInfo, error)
}

// DeviceEventKind distinguishes arrivals from departures.
type DeviceEventKind int

const (
	DeviceArrived DeviceEventKind = iota
	DeviceDeparted
)

func (k DeviceEventKind) String() string {
	if k == DeviceArrived {
		return "arrived"
	}

	return "departed"
}

// DeviceEvent is a discovery notification for one device handle.
type DeviceEvent struct {
	Kind   DeviceEventKind
	Handle string
	At     time.Time
}

// Notifier delivers discovery events as they happen. Subscribe blocks until
// ctx is done or the subscription fails; emit is called from the
// notifier's own goroutine.
type Notifier interface {
	Subscribe(ctx context.Context, emit func(DeviceEvent)) error
}
