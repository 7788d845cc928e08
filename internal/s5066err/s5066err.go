// Package s5066err names the three error tiers spec.md §7 defines,
// so callers across the read/write engines and the SIS/DTS decoders
// can react uniformly: discard silently, discard and log, or
// terminate.
package s5066err

import "fmt"

// Tier classifies an error by the response it demands.
type Tier int

const (
	// Framing is a bad preamble, unknown D_TYPE, or an impossible
	// length: silently discarded for DTS (ARQ recovers), closes the
	// connection for SIS (the client is local and misbehaving).
	Framing Tier = iota
	// Validation is a well-framed PDU with an out-of-range field (SAP,
	// C_PDU size, segment offset): logged at warning level and
	// discarded; DTS peers are not closed, SIS clients are.
	Validation
	// Fatal is unrecoverable at the daemon level: pool exhaustion,
	// listener bind failure, an unrecoverable I/O error on a listener.
	Fatal
)

func (t Tier) String() string {
	switch t {
	case Framing:
		return "framing"
	case Validation:
		return "validation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its tier and the component
// that raised it, so logging middleware can branch on tier without
// re-deriving it from the message text.
type Error struct {
	Tier      Tier
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s[%s]: %v", e.Component, e.Tier, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tiered error.
func New(tier Tier, component string, err error) *Error {
	return &Error{Tier: tier, Component: component, Err: err}
}

// Framingf builds a Framing-tier error.
func Framingf(component, format string, args ...interface{}) *Error {
	return New(Framing, component, fmt.Errorf(format, args...))
}

// Validationf builds a Validation-tier error.
func Validationf(component, format string, args ...interface{}) *Error {
	return New(Validation, component, fmt.Errorf(format, args...))
}

// Fatalf builds a Fatal-tier error.
func Fatalf(component, format string, args ...interface{}) *Error {
	return New(Fatal, component, fmt.Errorf(format, args...))
}
