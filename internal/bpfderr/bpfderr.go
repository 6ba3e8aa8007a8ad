// Package bpfderr defines the typed error kinds the core surfaces to
// callers (spec.md §7), so RPC-facing code and tests can distinguish
// failure modes with errors.As instead of string matching.
package bpfderr

import (
	"errors"
	"fmt"
)

// Code identifies one of the error kinds the core can return.
type Code int

const (
	CodeInvalidInterface Code = iota
	CodeInvalidProgramType
	CodeTooManyPrograms
	CodeBytecodeUnavailable
	CodeLoadFailed
	CodeAttachFailed
	CodeNotLoaded
	CodePinError
	CodeDatabaseError
	CodeUnauthorized
)

func (c Code) String() string {
	switch c {
	case CodeInvalidInterface:
		return "InvalidInterface"
	case CodeInvalidProgramType:
		return "InvalidProgramType"
	case CodeTooManyPrograms:
		return "TooManyPrograms"
	case CodeBytecodeUnavailable:
		return "BytecodeUnavailable"
	case CodeLoadFailed:
		return "LoadFailed"
	case CodeAttachFailed:
		return "AttachFailed"
	case CodeNotLoaded:
		return "NotLoaded"
	case CodePinError:
		return "PinError"
	case CodeDatabaseError:
		return "DatabaseError"
	case CodeUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// Error is a core-surfaced error carrying one of the typed Codes alongside
// the underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap constructs an Error that wraps err, formatting msg as the
// human-readable context the way the rest of the core wraps errors.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given code, so callers can
// write `bpfderr.Is(err, bpfderr.CodeTooManyPrograms)` instead of a type
// assertion at every call site.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
