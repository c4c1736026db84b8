// Package ferrors defines the error kinds shared across the vault, session
// authority, transfer endpoint, flash agent and tool supervisor: a typed
// error carrying a Kind, an optional Cause, and classifier helpers so
// callers can branch with errors.As instead of string matching.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the logical error categories of the flash-session
// protocol. Kind values are stable strings so they are safe to log.
type Kind string

const (
	UnknownDeviceType   Kind = "unknown_device_type"
	FirmwareUnavailable Kind = "firmware_unavailable"
	IntegrityError      Kind = "integrity_error"
	SessionNotFound     Kind = "session_not_found"
	SessionUnusable     Kind = "session_unusable"
	WrapError           Kind = "wrap_error"
	ToolMissing         Kind = "tool_missing"
	ToolUntrusted       Kind = "tool_untrusted"
	ToolFailed          Kind = "tool_failed"
	Cancelled           Kind = "cancelled"
	TransportError      Kind = "transport_error"
	BadRequest          Kind = "bad_request"
	Internal            Kind = "internal"
)

// Error is the single error type used across the core. Detail is a
// human-readable message; it must never contain key material, wrapped key
// bytes, firmware bytes, or an untruncated fingerprint.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds an *Error with no underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Is reports whether err is, or wraps, a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
