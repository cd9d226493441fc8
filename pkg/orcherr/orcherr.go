// Package orcherr defines the typed error kinds callers map to stable
// response codes and reason strings, instead of string-matching error
// messages at HTTP/CLI boundaries.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind names a class of control-plane failure.
type Kind string

const (
	KindInvalidTransition Kind = "InvalidTransition"
	KindCapacityExhausted Kind = "CapacityExhausted"
	KindSecurityFailure   Kind = "SecurityFailure"
	KindConfiguration     Kind = "Configuration"
	KindAmbiguousRemote   Kind = "AmbiguousRemote"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
)

// Error wraps an underlying cause with a Kind so handlers can branch on
// errors.As instead of matching message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the empty Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrInvalidTransition = New(KindInvalidTransition, "invalid lifecycle transition")
	ErrCapacityExhausted = New(KindCapacityExhausted, "no node satisfies capacity requirements")
	ErrSecurityFailure   = New(KindSecurityFailure, "authentication or authorization failed")
	ErrConfiguration     = New(KindConfiguration, "invalid configuration")
	ErrAmbiguousRemote   = New(KindAmbiguousRemote, "remote state diverges from local record")
)
