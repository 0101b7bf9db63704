/************************************************************************************
 *
 * dwaz (Discord Wrapper API for Zwafriya), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dwaz

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the origin of a LibError.
type ErrorKind int

const (
	// ErrKindNetwork covers dial/read/write failures below the HTTP layer.
	ErrKindNetwork ErrorKind = iota
	// ErrKindTimeout covers context deadline and request timeout expiry.
	ErrKindTimeout
	// ErrKindRateLimit covers 429 responses and exhausted-retry rate limiting.
	ErrKindRateLimit
	// ErrKindServer covers 5xx responses.
	ErrKindServer
	// ErrKindClient covers 4xx responses other than 401/403/429.
	ErrKindClient
	// ErrKindAuthentication covers 401 responses.
	ErrKindAuthentication
	// ErrKindAuthorization covers 403 responses.
	ErrKindAuthorization
	// ErrKindValidation covers caller-supplied input rejected before a request is sent.
	ErrKindValidation
	// ErrKindCancelled covers context cancellation.
	ErrKindCancelled
	// ErrKindCircuitOpen covers requests rejected by an open circuit breaker.
	ErrKindCircuitOpen
	// ErrKindFatal covers unrecoverable gateway session termination.
	ErrKindFatal
)

// String returns the kind's lowercase name.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindServer:
		return "server"
	case ErrKindClient:
		return "client"
	case ErrKindAuthentication:
		return "authentication"
	case ErrKindAuthorization:
		return "authorization"
	case ErrKindValidation:
		return "validation"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindCircuitOpen:
		return "circuit_open"
	case ErrKindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Severity indicates how serious a LibError is, independent of whether it is retryable.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// kindProfile maps an ErrorKind to its default severity and retryability,
// per the error taxonomy: network/timeout/server are retryable, rate limit
// is retryable by the engine itself (not by the caller), auth/validation are not.
var kindProfile = map[ErrorKind]struct {
	severity  Severity
	retryable bool
}{
	ErrKindNetwork:        {SeverityMedium, true},
	ErrKindTimeout:        {SeverityMedium, true},
	ErrKindRateLimit:      {SeverityLow, true},
	ErrKindServer:         {SeverityMedium, true},
	ErrKindClient:         {SeverityLow, false},
	ErrKindAuthentication: {SeverityHigh, false},
	ErrKindAuthorization:  {SeverityHigh, false},
	ErrKindValidation:     {SeverityLow, false},
	ErrKindCancelled:      {SeverityLow, false},
	ErrKindCircuitOpen:    {SeverityMedium, true},
	ErrKindFatal:          {SeverityCritical, false},
}

// LibError is the only error type the core surfaces to callers. The library
// never returns a bare errors.New on its own; every failure path
// constructs one of these so callers can branch on Kind/Retryable instead
// of string-matching error text.
type LibError struct {
	Kind      ErrorKind
	Severity  Severity
	Retryable bool
	Metadata  map[string]any
	Cause     error
}

func (e *LibError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dwaz: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("dwaz: %s", e.Kind)
}

func (e *LibError) Unwrap() error { return e.Cause }

// newLibError builds a LibError with the kind's default severity/retryable
// profile, attaching metadata describing the failure site.
func newLibError(kind ErrorKind, cause error, metadata map[string]any) *LibError {
	profile := kindProfile[kind]
	return &LibError{
		Kind:      kind,
		Severity:  profile.severity,
		Retryable: profile.retryable,
		Metadata:  metadata,
		Cause:     cause,
	}
}

func newNetworkError(cause error, route string) *LibError {
	return newLibError(ErrKindNetwork, cause, map[string]any{"route": route})
}

func newTimeoutError(cause error, route string) *LibError {
	return newLibError(ErrKindTimeout, cause, map[string]any{"route": route})
}

func newRateLimitError(route string, retryAfter string) *LibError {
	return newLibError(ErrKindRateLimit, errors.New("rate limit retries exhausted"), map[string]any{
		"route":       route,
		"retry_after": retryAfter,
	})
}

func newServerError(status int, route string, body []byte) *LibError {
	return newLibError(ErrKindServer, fmt.Errorf("server responded %d", status), map[string]any{
		"route": route, "status": status, "body": string(body),
	})
}

func newClientError(status int, route string, body []byte) *LibError {
	return newLibError(ErrKindClient, fmt.Errorf("client error %d", status), map[string]any{
		"route": route, "status": status, "body": string(body),
	})
}

func newAuthenticationError(route string) *LibError {
	return newLibError(ErrKindAuthentication, errors.New("invalid or missing token"), map[string]any{"route": route})
}

func newAuthorizationError(route string) *LibError {
	return newLibError(ErrKindAuthorization, errors.New("missing permissions"), map[string]any{"route": route})
}

func newValidationError(reason string) *LibError {
	return newLibError(ErrKindValidation, errors.New(reason), nil)
}

func newCancelledError(cause error) *LibError {
	return newLibError(ErrKindCancelled, cause, nil)
}

func newCircuitOpenError(route string) *LibError {
	return newLibError(ErrKindCircuitOpen, errors.New("circuit breaker open"), map[string]any{"route": route})
}

func newFatalError(closeCode int, reason string) *LibError {
	return newLibError(ErrKindFatal, errors.New(reason), map[string]any{"close_code": closeCode})
}

// AsLibError reports whether err is, or wraps, a *LibError, returning it.
func AsLibError(err error) (*LibError, bool) {
	var le *LibError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsRetryable reports whether err is a *LibError marked retryable.
func IsRetryable(err error) bool {
	le, ok := AsLibError(err)
	return ok && le.Retryable
}
