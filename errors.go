package sdspi

import (
	"github.com/dargueta/sdspi/errors"
)

// These are the failure kinds a driver reports. Derive call-specific errors
// from them with WithMessage or Wrap so callers can still match them with
// [errors.Is].
var ErrNoMedia = errors.New(errors.ResultNotReady, "No medium in the drive")
var ErrNotInitialized = errors.New(errors.ResultNotReady, "Drive not initialized")
var ErrWriteProtected = errors.New(errors.ResultWriteProtected, "Medium is write protected")
var ErrTimeout = errors.New(errors.ResultError, "Timed out waiting for the card")
var ErrUnexpectedResponse = errors.New(errors.ResultError, "Unexpected response from the card")
var ErrInvalidArgument = errors.New(errors.ResultParamError, "Invalid argument")
var ErrNotSupported = errors.New(errors.ResultParamError, "Operation not supported by the card")
