package device

import "codeberg.org/mutker/battmon/internal/errors"

const (
	ErrAlreadyConnecting = errors.ErrorCode("device_already_connecting")
	ErrUnknownDevice     = errors.ErrorCode("device_unknown")
	ErrInvalidState      = errors.ErrorCode("device_invalid_state")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrAlreadyConnecting: "Device connection already in progress",
		ErrUnknownDevice:     "Unknown device",
		ErrInvalidState:      "Operation not allowed in current device state",
	})
}
