/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cerr defines the CantinaOS error taxonomy. Services wrap failures into
// one of these classes so that callers, acks and /system/error payloads agree on
// how a fault should be handled: rejected, retried once, degraded or fatal.
package cerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel classes. Wrap with %w so errors.Is sees through call chains.
var (
	ErrValidation          = errors.New("validation error")
	ErrWrongMode           = errors.New("wrong mode")
	ErrTransient           = errors.New("transient external error")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrFatalStartup        = errors.New("fatal startup error")
)

// Code strings carried in command acks and /system/error payloads.
const (
	CodeValidation          = "ValidationError"
	CodeWrongMode           = "WrongModeError"
	CodeTransient           = "TransientExternalError"
	CodeResourceUnavailable = "ResourceUnavailableError"
	CodeFatalStartup        = "FatalStartupError"
	CodeTimeout             = "Timeout"
	CodeInternal            = "InternalError"
)

// TransientRetryBackoff is the single-retry delay for transient failures.
const TransientRetryBackoff = 250 * time.Millisecond

// Validationf builds a validation error: bad input, never retried.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// WrongModef builds an error for an operation that is illegal in the current mode.
func WrongModef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrWrongMode)...)
}

// Transientf builds an error for an external hiccup worth exactly one retry.
func Transientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

// Unavailablef builds an error for a missing device or file: degrade, don't crash.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrResourceUnavailable)...)
}

// FatalStartupf builds an error that aborts boot with exit code 1.
func FatalStartupf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatalStartup)...)
}

// Code maps an error to its taxonomy code string.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrWrongMode):
		return CodeWrongMode
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrResourceUnavailable):
		return CodeResourceUnavailable
	case errors.Is(err, ErrFatalStartup):
		return CodeFatalStartup
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Retryable reports whether the class allows a single retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
