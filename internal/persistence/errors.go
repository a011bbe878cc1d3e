// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persistence

import (
	"errors"
	"net/http"
	"strconv"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes persistence failures for the retry policy.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota

	// ErrTypeValidation: the draft was rejected before any network call.
	ErrTypeValidation

	// ErrTypeNotFound: the remote store has no record of the message yet.
	// Expected while a save is still in flight.
	ErrTypeNotFound

	// ErrTypePersistence: network or server failure.
	ErrTypePersistence
)

// String returns the error type name.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeValidation:
		return "validation"
	case ErrTypeNotFound:
		return "not_found"
	case ErrTypePersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is returned by every Service operation.
type Error struct {
	Type    ErrorType
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by type so errors.Is(err, ErrNotFound) works for any
// not-found failure regardless of op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Type == e.Type
}

// Sentinel errors for easy checking.
var (
	ErrValidation  = &Error{Type: ErrTypeValidation, Message: "validation failed"}
	ErrNotFound    = &Error{Type: ErrTypeNotFound, Message: "message not found"}
	ErrPersistence = &Error{Type: ErrTypePersistence, Message: "persistence failed"}
)

// IsNotFound reports whether err is the not-found race.
func IsNotFound(err error) bool {
	return errorType(err) == ErrTypeNotFound
}

// IsValidation reports whether err was a rejected draft.
func IsValidation(err error) bool {
	return errorType(err) == ErrTypeValidation
}

// IsPersistence reports whether err was a network or server failure.
func IsPersistence(err error) bool {
	return errorType(err) == ErrTypePersistence
}

func errorType(err error) ErrorType {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrTypeUnknown
}

// =============================================================================
// REMOTE ERRORS
// =============================================================================

// notFounder is implemented by remote errors that can say "no such record".
type notFounder interface {
	NotFound() bool
}

// ReasonSessionNotFound is the API error code for an unknown session.
const ReasonSessionNotFound = "session_not_found"

// StatusError is a non-2xx response from the remote HTTP API.
type StatusError struct {
	Code    int
	Message string

	// Reason is the "code" field of the error body, when present.
	Reason string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return "remote returned " + strconv.Itoa(e.Code) + ": " + e.Message
	}
	return "remote returned " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
}

// NotFound reports whether the status means the message does not exist.
// An unknown session is a hard failure, not a lagging record.
func (e *StatusError) NotFound() bool {
	return e.Code == http.StatusNotFound && e.Reason != ReasonSessionNotFound
}

// classify wraps a remote error for op. Errors that say "not found" become
// ErrTypeNotFound; everything else is a persistence failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	var nf notFounder
	if errors.As(err, &nf) && nf.NotFound() {
		return &Error{Type: ErrTypeNotFound, Op: op, Message: "no record on remote", Cause: err}
	}
	return &Error{Type: ErrTypePersistence, Op: op, Message: "remote call failed", Cause: err}
}
