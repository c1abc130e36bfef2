// Package ipcerr defines the error taxonomy shared by every IPC module.
package ipcerr

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Error codes for IPC operations.
const (
	// Config/usage errors
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidState    = "INVALID_STATE"
	CodeAlreadySetup    = "ALREADY_SETUP"
	CodeInvalidAddress  = "INVALID_ADDRESS"
	CodeInvalidRegion   = "INVALID_REGION"

	// Expected runtime outcomes
	CodeNotFound           = "NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeUnblocked          = "UNBLOCKED"
	CodeEventNotRegistered = "EVENT_NOT_REGISTERED"

	// Resource errors
	CodeOutOfMemory           = "OUT_OF_MEMORY"
	CodeInsufficientResources = "INSUFFICIENT_RESOURCES"

	// Protocol violations
	CodeCannotFreeStaticMessage = "CANNOT_FREE_STATIC_MESSAGE"
	CodeDuplicateName           = "DUPLICATE_NAME"
	CodeEventReserved           = "EVENT_RESERVED"

	// Remote failures
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
)

// Error is a coded error with optional context and cause. Two Errors match
// under errors.Is when their codes are equal.
type Error struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Context)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new coded error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with a code.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidArgument         = New(CodeInvalidArgument, "invalid argument")
	ErrInvalidState            = New(CodeInvalidState, "invalid state")
	ErrAlreadySetup            = New(CodeAlreadySetup, "already set up")
	ErrInvalidAddress          = New(CodeInvalidAddress, "address not in any shared region")
	ErrInvalidRegion           = New(CodeInvalidRegion, "region not mapped")
	ErrNotFound                = New(CodeNotFound, "not found")
	ErrTimeout                 = New(CodeTimeout, "timed out")
	ErrUnblocked               = New(CodeUnblocked, "unblocked")
	ErrEventNotRegistered      = New(CodeEventNotRegistered, "event not registered on remote")
	ErrOutOfMemory             = New(CodeOutOfMemory, "out of memory")
	ErrInsufficientResources   = New(CodeInsufficientResources, "insufficient resources")
	ErrCannotFreeStaticMessage = New(CodeCannotFreeStaticMessage, "cannot free static message")
	ErrDuplicateName           = New(CodeDuplicateName, "duplicate name")
	ErrEventReserved           = New(CodeEventReserved, "event reserved")
	ErrRemoteUnavailable       = New(CodeRemoteUnavailable, "remote processor unavailable")
)

// Code returns the code of the first *Error in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an expected runtime outcome that callers
// poll or retry on rather than treat as failure.
func IsRetryable(err error) bool {
	switch Code(err) {
	case CodeNotFound, CodeTimeout, CodeUnblocked, CodeEventNotRegistered:
		return true
	}
	return false
}

// Common error constructors

func InvalidArgument(format string, args ...interface{}) *Error {
	return Newf(CodeInvalidArgument, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return Newf(CodeInvalidState, format, args...)
}

func NotFound(kind, name string) *Error {
	return New(CodeNotFound, kind+" not found").WithContext("name", name)
}

func OutOfMemory(requested, available uint32) *Error {
	return New(CodeOutOfMemory, "allocation failed").
		WithContext("requested", requested).
		WithContext("available", available)
}
