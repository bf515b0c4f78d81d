package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is an error carrying the result code the block-device contract
// reports for it, with a customizable message.
type DriverError interface {
	error
	Result() Result
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
	Unwrap() error
}

type driverError struct {
	result        Result
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrResult(e.result)
}

func (e driverError) Result() Result {
	return e.result
}

func (e driverError) Unwrap() error {
	return e.originalError
}

// WithMessage derives a new error with `message` appended. The new error
// matches `e` under [errors.Is].
func (e driverError) WithMessage(message string) DriverError {
	return driverError{
		result:        e.result,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

// Wrap derives a new error from `e` caused by `err`. The new error matches
// both `e` and `err` under [errors.Is].
func (e driverError) Wrap(err error) DriverError {
	return driverError{
		result:        e.result,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [DriverError] with the given result code and message. An
// empty message uses the default text for the code.
func New(code Result, message string) DriverError {
	if message == "" {
		message = StrResult(code)
	}
	return driverError{
		result:  code,
		message: message,
	}
}

// NewFromError creates a [DriverError] for `code` caused by `originalError`.
func NewFromError(code Result, originalError error) DriverError {
	return driverError{
		result:        code,
		message:       fmt.Sprintf("%s: %s", StrResult(code), originalError.Error()),
		originalError: originalError,
	}
}

// ResultOf gives the result code for an error returned by a driver. nil maps
// to [ResultOK] and errors that don't carry a code map to [ResultError].
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}

	var driverErr DriverError
	if stderrors.As(err, &driverErr) {
		return driverErr.Result()
	}
	return ResultError
}
