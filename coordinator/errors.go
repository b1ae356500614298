package coordinator

import "fmt"

// Code is a machine-readable error classification, modeled on the single
// struct/many-codes convention used throughout the fleet's internal
// services rather than a family of sentinel error types.
type Code string

const (
	// CodeIllegalTransferType: both source and destination are absent.
	CodeIllegalTransferType Code = "illegal_transfer_type"
	// CodeDeviceDoesNotExist: a named device is not registered.
	CodeDeviceDoesNotExist Code = "device_does_not_exist"
	// CodeComponentDoesNotExist: a named component is absent, or resides
	// on a device other than the claimed source.
	CodeComponentDoesNotExist Code = "component_does_not_exist"
	// CodeComponentAlreadyExists: an ADD names a component already
	// present in the system.
	CodeComponentAlreadyExists Code = "component_already_exists"
	// CodeComponentDoesNotNeedTransfer: destination equals current device.
	CodeComponentDoesNotNeedTransfer Code = "component_does_not_need_transfer"
	// CodeComponentIsBeingOperatedOn: another transfer for this
	// component is already in progress.
	CodeComponentIsBeingOperatedOn Code = "component_is_being_operated_on"
	// CodeInternal marks an invariant breach detected inside the
	// coordinator. Execute also uses it to wrap an error returned by the
	// caller's Prepare or Perform callback.
	CodeInternal Code = "internal"
	// CodeInterrupted marks a waiting goroutine whose context was
	// cancelled or whose WaitTimeout elapsed before admission.
	CodeInterrupted Code = "interrupted"
	// CodeInvalidConfig marks a startup configuration error, raised only
	// by New when the registry constructor rejects its arguments.
	CodeInvalidConfig Code = "invalid_config"
)

// Error is the single error type surfaced by this package. Op names the
// operation that failed (e.g. "coordinator.Validate", "coordinator.New");
// Code classifies the failure; Err, when set, is the wrapped cause.
type Error struct {
	Op      string
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an *Error with no wrapped cause.
func E(op string, code Code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(op string, code Code, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}
