// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the error codes shared by the sync engine and
// the backend, and the typed error that carries them.
//
// The codes mirror the backend's status codes. Callers classify errors
// with CodeOf or Is rather than by matching message text:
//
//	if status.Is(err, status.PermissionDenied) {
//	    // surface to the listener, do not retry
//	}
package status

import (
	"errors"
	"fmt"
)

// Code is a backend status code.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = [...]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// MarshalText encodes the code by name for the JSON wire format.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (c *Code) UnmarshalText(text []byte) error {
	parsed, err := ParseCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCode converts a code name to a Code.
func ParseCode(name string) (Code, error) {
	for i, candidate := range codeNames {
		if candidate == name {
			return Code(i), nil
		}
	}
	return Unknown, fmt.Errorf("status: unknown code %q", name)
}

// Error is an error carrying a status code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an *Error with a formatted message. A %w verb in format
// is recorded as the Cause.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), Cause: errors.Unwrap(wrapped)}
}

// CodeOf returns the code of the first *Error in err's chain. A nil
// error is OK; an error without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return Unknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsPermanentError reports whether an RPC failing with code should not
// be retried. Transient codes cover network loss, overload, and
// authentication refresh.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		panic("status: IsPermanentError called with OK")
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted,
		Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied,
		FailedPrecondition, Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return true
	}
}

// IsPermanentWriteError reports whether a write failing with code should
// be rejected. Aborted writes are retried even though Aborted is
// otherwise permanent.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != Aborted
}
