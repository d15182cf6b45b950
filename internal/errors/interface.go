package errors

// ErrorCode identifies a class of failure. Codes are stable: they are
// logged as error_code and used as the code label on failure metrics.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Coder is implemented by anything carrying an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error is a domain error. Values are immutable; WithMessage and WithData
// return modified copies.
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	// Data returns the value attached with WithData, often the offending
	// input or a small struct describing it.
	Data() any
	Unwrap() error
}

// Factory creates domain errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
