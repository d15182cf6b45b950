package trend

import "codeberg.org/mutker/battmon/internal/errors"

const (
	ErrInsufficientData = errors.ErrorCode("trend_insufficient_data")
	ErrInvalidThreshold = errors.ErrorCode("trend_invalid_threshold")
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrInsufficientData: "Not enough health readings to compute a trend",
		ErrInvalidThreshold: "Health threshold must be between 0 and 100",
	})
}
