package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies experiment failures by how the controller reacts to
// them: configuration errors are retried then treated as phase-fatal,
// collection errors turn result fields into not-a-number sentinels,
// derivation errors never surface as failures at all, and transport errors
// close one peer connection while the rest keep being served.
type ErrorCode string

const (
	ErrCodeConfig     ErrorCode = "CONFIG"
	ErrCodeCollection ErrorCode = "COLLECTION"
	ErrCodeDerivation ErrorCode = "DERIVATION"
	ErrCodeTransport  ErrorCode = "TRANSPORT"
)

// ExperimentError is an error with a reaction class and optional context.
type ExperimentError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *ExperimentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExperimentError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a diagnostic key/value to the error.
func (e *ExperimentError) WithContext(key string, value interface{}) *ExperimentError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func New(code ErrorCode, message string) *ExperimentError {
	return &ExperimentError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *ExperimentError {
	return &ExperimentError{Code: code, Message: message, Cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var ee *ExperimentError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
