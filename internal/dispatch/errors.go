package dispatch

import (
	"errors"
	"fmt"
)

// UnsupportedEventError reports an inbound event name the dispatcher does
// not handle. Caller error; no outputs are produced.
type UnsupportedEventError struct {
	Name string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event %q (accepted: %s, %s)", e.Name, EventAutomationRequest, EventAutomationErrorDetected)
}

// PayloadError reports a payload whose type does not match the event name.
type PayloadError struct {
	Name string
	Want string
	Got  string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("event %s: payload must be %s, got %s", e.Name, e.Want, e.Got)
}

// InternalError wraps an invariant failure inside the decision core: a
// designed flow that violates flow invariants or a simplification that
// changed behavior. It points at the catalogue or the heuristics, not at
// the input.
type InternalError struct {
	Stage string
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal invariant failure during %s: %v", e.Stage, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsUnsupportedEvent reports whether err is an UnsupportedEventError.
func IsUnsupportedEvent(err error) bool {
	var ue *UnsupportedEventError
	return errors.As(err, &ue)
}

// IsPayloadError reports whether err is a PayloadError.
func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}

// IsInternalError reports whether err is an InternalError.
func IsInternalError(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
