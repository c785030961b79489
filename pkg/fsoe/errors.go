package fsoe

import "errors"

// UserError classifies an API misuse detected by a state machine method.
// These are programmer bugs, not protocol errors: the method reports the
// error through the configured handler, returns it, and leaves the
// instance unchanged.
type UserError int

const (
	UserErrorNilInstance UserError = iota + 1
	UserErrorUninitializedInstance
	UserErrorWrongInstanceState
	UserErrorNilArgument
	UserErrorBadConfiguration
)

// Description returns a human readable description of the user error.
func (e UserError) Description() string {
	switch e {
	case UserErrorNilInstance:
		return "nil instance was passed to API function"
	case UserErrorUninitializedInstance:
		return "instance was not created through New"
	case UserErrorWrongInstanceState:
		return "API function called in a prohibited instance state"
	case UserErrorNilArgument:
		return "nil or mis-sized argument was passed to API function"
	case UserErrorBadConfiguration:
		return "configuration contains an invalid field"
	default:
		return "invalid error code"
	}
}

// Error implements the error interface.
func (e UserError) Error() string {
	return "fsoe: " + e.Description()
}

// UserErrorHandler receives API misuse reports. It corresponds to the
// handle_user_error application callback; a nil handler disables
// reporting (the error is still returned by the method).
type UserErrorHandler func(UserError)

// Configuration validation errors returned by New.
var (
	ErrZeroConnectionID  = errors.New("fsoe: connection ID must be non-zero")
	ErrBadWatchdog       = errors.New("fsoe: watchdog timeout must be 1-65535 ms")
	ErrBadProcessDataSize = errors.New("fsoe: process data size must be 1 or even, at most 126")
	ErrBadAppParameters  = errors.New("fsoe: application parameters exceed maximum size")
)
