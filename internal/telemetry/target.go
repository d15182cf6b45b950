package telemetry

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// TargetID identifies the host or one external device. It is opaque to
// everything but this file.
type TargetID string

const (
	hostPrefix    = "host:"
	devicePrefix  = "device:"
	sessionPrefix = "session:"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostTarget returns the stable identifier of the local machine.
func HostTarget() TargetID {
	for _, path := range machineIDPaths {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return TargetID(hostPrefix + id)
			}
		}
	}

	if name, err := os.Hostname(); err == nil && name != "" {
		return TargetID(hostPrefix + name)
	}

	return SessionTarget()
}

// DeviceTarget returns the identifier of an external device. Devices with
// no known serial get a session-scoped identifier.
func DeviceTarget(serial string) TargetID {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return SessionTarget()
	}

	return TargetID(devicePrefix + serial)
}

// SessionTarget returns an identifier only valid for this process.
func SessionTarget() TargetID {
	return TargetID(sessionPrefix + uuid.NewString())
}

func (t TargetID) IsHost() bool {
	return strings.HasPrefix(string(t), hostPrefix)
}

// Stable reports whether the identifier survives reconnects.
func (t TargetID) Stable() bool {
	return !strings.HasPrefix(string(t), sessionPrefix)
}

func (t TargetID) String() string {
	return string(t)
}
