// Package device manages the lifecycle of sessions with external devices.
package device

import (
	"time"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

// State of a device session.
type State int

const (
	Disconnected State = iota
	Discovered
	Connecting
	Connected
	Reading
	Idle
)

// States lists every state in declaration order.
var States = []State{Disconnected, Discovered, Connecting, Connected, Reading, Idle}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Session is the state of one device handle. Target is empty until the
// first successful connect.
type Session struct {
	Handle              string
	Target              telemetry.TargetID
	State               State
	Since               time.Time
	Info                backend.DeviceInfo
	LastRead            time.Time
	ConsecutiveTimeouts int
	TotalTimeouts       int
}
