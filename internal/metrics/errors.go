package metrics

import "codeberg.org/mutker/battmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidAddr   = errors.ErrorCode("metrics_invalid_addr")

	// Service Errors
	ErrServeFailed     = errors.ErrorCode("metrics_serve_failed")
	ErrServiceShutdown = errors.ErrShutdownFailed
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrInvalidAddr: "Invalid metrics listen address",
		ErrServeFailed: "Metrics endpoint failed",
	})
}
