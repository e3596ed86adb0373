// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package errs defines the error taxonomy shared by every Permguard component.
//
// Callers classify failures with errors.Is against the sentinels:
//
//	if errors.Is(err, errs.ErrStoreUnavailable) { ... }
//
// and recover the failing operation or field with errors.As:
//
//	var e *errs.Error
//	if errors.As(err, &e) { log.Str("field", e.Field) }
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds.
var (
	// ErrValidation marks malformed input rejected before any store call.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an absent audit id, token or alert.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks an unreachable or timed-out backing store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrity marks an audit write missing a required field.
	ErrIntegrity = errors.New("integrity error")
)

// Error is a classified error. Kind is one of the sentinels above.
type Error struct {
	Kind  error
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Field != "" {
		b.WriteString(" (field ")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind so errors.Is(err, ErrNotFound) works without
// the cause having to wrap the sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Validation builds an ErrValidation for field.
func Validation(op, field, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Field: field, Err: fmt.Errorf(format, args...)}
}

// Integrity builds an ErrIntegrity for a missing required field.
func Integrity(op, field string) error {
	return &Error{Kind: ErrIntegrity, Op: op, Field: field, Err: errors.New("required field missing")}
}

// NotFound builds an ErrNotFound describing what was looked up.
func NotFound(op, what string) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: errors.New(what)}
}

// Unavailable wraps a backend failure as ErrStoreUnavailable. A nil cause
// yields nil so call sites can wrap unconditionally.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) && e.Kind == ErrStoreUnavailable {
		return cause
	}
	return &Error{Kind: ErrStoreUnavailable, Op: op, Err: cause}
}

// FieldOf returns the offending field of a classified error, or "".
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
