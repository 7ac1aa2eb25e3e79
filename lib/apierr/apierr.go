// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package apierr defines the closed error taxonomy for the deploy-marker
// tool. Every failure surfaced from the network or API layers is
// classified into exactly one Kind before it crosses a package boundary;
// raw transport errors never propagate unclassified.
//
// Each Kind carries a fixed retryability except KindAPI, whose
// retryability is computed from the HTTP status code at construction
// (status >= 500 or status == 429). The retry executor consults
// IsRetryable to decide between backing off and failing fast.
package apierr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a failure category. The set is closed: classification
// helpers in this package are the only constructors used by the rest of
// the codebase, so an error of any other shape is wrapped into
// KindUnknown rather than leaking.
type Kind int

const (
	// KindUnknown covers failures that no other kind claims. Never
	// retryable: an unrecognized failure is not known to be transient.
	KindUnknown Kind = iota

	// KindConfig is an invalid or incomplete tool configuration.
	KindConfig

	// KindInvalidInput is a malformed user-supplied input value.
	KindInvalidInput

	// KindValidation is a payload that failed local validation before
	// any network call.
	KindValidation

	// KindTokenExchange is a refresh-token exchange failure (bad or
	// expired refresh token). Never retryable: a rejected refresh
	// token will not be accepted on a second attempt.
	KindTokenExchange

	// KindTokenExpired is an access token rejected as expired.
	KindTokenExpired

	// KindUnauthorized is an HTTP 401/403 from the API.
	KindUnauthorized

	// KindNetwork is a transport failure with no HTTP response
	// (DNS, dropped connection mid-body). Retryable.
	KindNetwork

	// KindTimeout is a request that exceeded its wall-clock budget.
	// Retryable; carries status code 408 by convention.
	KindTimeout

	// KindConnection is a failure to establish a connection at all
	// (refused, reset during dial). Retryable.
	KindConnection

	// KindAPI is a generic non-2xx API response used when the caller
	// has only a raw status code and no finer classification.
	// Retryability is computed from the status.
	KindAPI

	// KindRateLimit is an HTTP 429. Retryable; may carry a RetryAfter
	// hint parsed from the Retry-After header.
	KindRateLimit

	// KindServer is an HTTP 5xx. Retryable.
	KindServer
)

// kindNames maps each Kind to its user-visible label. The labels appear
// in the final error message (`<Kind>: <message> (HTTP <code>)`), so
// they are stable strings, not Go identifier names.
var kindNames = map[Kind]string{
	KindUnknown:       "Unknown",
	KindConfig:        "Config",
	KindInvalidInput:  "InvalidInput",
	KindValidation:    "Validation",
	KindTokenExchange: "TokenExchange",
	KindTokenExpired:  "TokenExpired",
	KindUnauthorized:  "Unauthorized",
	KindNetwork:       "Network",
	KindTimeout:       "Timeout",
	KindConnection:    "Connection",
	KindAPI:           "Api",
	KindRateLimit:     "RateLimit",
	KindServer:        "Server",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// retryableKinds holds the fixed per-kind retryability. KindAPI is
// absent on purpose — its retryability is computed per error from the
// status code in NewAPI.
var retryableKinds = map[Kind]bool{
	KindNetwork:    true,
	KindTimeout:    true,
	KindConnection: true,
	KindRateLimit:  true,
	KindServer:     true,
}

// Error is the single error type used across the tool. A tagged value,
// not a hierarchy: callers switch on Kind or use the predicate helpers
// rather than asserting concrete subtypes.
type Error struct {
	// Kind tags the failure category.
	Kind Kind

	// Message is the human-readable description. Never contains token
	// material; the redacting logger scrubs defensively, but messages
	// are built without secrets in the first place.
	Message string

	// Retryable reports whether the retry executor may attempt the
	// operation again.
	Retryable bool

	// StatusCode is the HTTP status when one was observed, else zero.
	StatusCode int

	// RetryAfter is the server-provided backoff hint from a 429
	// response. Zero when the server gave none.
	RetryAfter time.Duration

	// Context carries structured diagnostic fields (HTTP method, URL).
	// Never contains refresh or access token values.
	Context map[string]any

	// Timestamp records when the error was constructed.
	Timestamp time.Time

	// Cause is the underlying error, if any.
	Cause error
}

// Error renders the user-visible form `<Kind>: <message> (HTTP <code>)`.
// The status suffix is omitted when no HTTP status was observed.
func (e *Error) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&builder, " (HTTP %d)", e.StatusCode)
	}
	return builder.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with its fixed
// retryability. Use NewAPI for KindAPI so the status-derived
// retryability is applied.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
		Timestamp: time.Now(),
	}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind with err as the cause.
// The kind's fixed retryability applies.
func Wrap(kind Kind, message string, err error) *Error {
	wrapped := New(kind, message)
	wrapped.Cause = err
	return wrapped
}

// NewAPI constructs a KindAPI error whose retryability is computed from
// the literal status code: 5xx and 429 are retryable, other statuses
// are not. Used when the caller has only a raw status and no finer
// classification.
func NewAPI(statusCode int, message string) *Error {
	return &Error{
		Kind:       KindAPI,
		Message:    message,
		Retryable:  statusCode >= 500 || statusCode == 429,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
	}
}

// Classify returns err if it is already a taxonomy error, otherwise
// wraps it into KindUnknown (non-retryable). This is the boundary
// guard: call it before an error escapes a component.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return Wrap(KindUnknown, err.Error(), err)
}

// IsRetryable reports whether err is a taxonomy error marked
// retryable. Non-taxonomy errors are never retryable — they should
// have been classified before reaching a retry decision.
func IsRetryable(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Retryable
	}
	return false
}

// KindOf returns the taxonomy kind of err, or KindUnknown for
// unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// Is reports whether err is a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == kind
}

// RetryAfterOf returns the server backoff hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}
