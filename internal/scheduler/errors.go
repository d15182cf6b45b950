package scheduler

import "codeberg.org/mutker/battmon/internal/errors"

const (
	ErrInvalidDiscoveryMode = errors.ErrorCode("scheduler_invalid_discovery_mode")
	ErrStorageSkipped       = errors.ErrorCode("scheduler_storage_skipped")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrInvalidDiscoveryMode: "Device discovery mode must be notification or polling",
		ErrStorageSkipped:       "Sample not stored because storage failed earlier in the cycle",
	})
}
