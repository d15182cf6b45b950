package backend

import "codeberg.org/mutker/battmon/internal/errors"

const (
	ErrUnavailable      = errors.ErrorCode("backend_unavailable")
	ErrPermissionDenied = errors.ErrorCode("backend_permission_denied")
	ErrTimeout          = errors.ErrorCode("backend_timeout")
	ErrParseFailure     = errors.ErrorCode("backend_parse_failure")
	ErrDeviceGone       = errors.ErrorCode("backend_device_gone")
	ErrNoBackend        = errors.ErrorCode("backend_none_available")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrUnavailable:      "Backend unavailable",
		ErrPermissionDenied: "Backend permission denied",
		ErrTimeout:          "Backend call timed out",
		ErrParseFailure:     "Failed to parse backend output",
		ErrDeviceGone:       "Device is no longer reachable",
		ErrNoBackend:        "No backend can read this target",
	})
}

// severity orders failures when the chain has to pick which one to report.
func severity(code errors.ErrorCode) int {
	switch code {
	case ErrDeviceGone:
		return 4
	case ErrTimeout:
		return 3
	case ErrPermissionDenied:
		return 2
	case ErrParseFailure:
		return 1
	default:
		return 0
	}
}

// classify returns the backend code of err, treating foreign errors as
// parse failures so the chain moves on.
func classify(err error) errors.ErrorCode {
	for _, code := range []errors.ErrorCode{
		ErrDeviceGone, ErrTimeout, ErrPermissionDenied, ErrParseFailure, ErrUnavailable,
	} {
		if errors.HasCode(err, code) {
			return code
		}
	}

	return ErrParseFailure
}
