// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package cloud

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the upstream does not know the device, event,
// or media token. Callers surface it as a 404-equivalent; it is not logged
// as an error.
var ErrNotFound = errors.New("not found upstream")

// AuthError means the upstream rejected our credentials. It is never
// silently retried; it propagates to the owning lifecycle to force
// re-authentication.
type AuthError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth failed during %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers network failures and upstream 5xx responses. It is
// not retried synchronously; the next natural call retries.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient upstream failure during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient upstream failure during %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *TransientError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
