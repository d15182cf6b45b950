package telemetry

import (
	"fmt"

	"codeberg.org/mutker/battmon/internal/errors"
)

const (
	ErrParseFailure       = errors.ErrorCode("telemetry_parse_failure")
	ErrUnsupportedPayload = errors.ErrorCode("telemetry_unsupported_payload")
)

// Field names reported by parse failures.
const (
	FieldTargetID        = "target_id"
	FieldCapturedAt      = "captured_at"
	FieldChargePercent   = "charge_percent"
	FieldChargeState     = "charge_state"
	FieldCycleCount      = "cycle_count"
	FieldDesignCapacity  = "design_capacity"
	FieldCurrentCapacity = "current_capacity"
	FieldMaxCapacity     = "max_capacity"
	FieldTemperature     = "temperature"
	FieldVoltage         = "voltage"
	FieldHealthPercent   = "health_percent"
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrParseFailure:       "Failed to decode telemetry payload",
		ErrUnsupportedPayload: "Unsupported telemetry payload",
	})
}

// FieldError names the offending field of a parse failure.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func fieldError(field, reason string) error {
	return errors.New().WithData(ErrParseFailure, FieldError{Field: field, Reason: reason})
}

// FailedField returns the field named by a parse failure, or "".
func FailedField(err error) string {
	for err != nil {
		if appErr, ok := err.(errors.Error); ok {
			if fe, ok := appErr.Data().(FieldError); ok {
				return fe.Field
			}
		}
		err = errors.Unwrap(err)
	}

	return ""
}
