package usbmux

import "codeberg.org/mutker/battmon/internal/errors"

const (
	ErrConnect  = errors.ErrorCode("usbmux_connect_failed")
	ErrProtocol = errors.ErrorCode("usbmux_protocol_error")
	ErrRefused  = errors.ErrorCode("usbmux_listen_refused")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrConnect:  "Failed to connect to usbmuxd",
		ErrProtocol: "Unexpected usbmuxd message",
		ErrRefused:  "usbmuxd refused the listen request",
	})
}
