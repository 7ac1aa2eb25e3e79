// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// FromStatus classifies a non-2xx HTTP response into a taxonomy error.
// Classification by status code:
//
//	429        -> KindRateLimit, with a RetryAfter hint when the
//	              Retry-After header parses
//	5xx        -> KindServer
//	401, 403   -> KindUnauthorized
//	other 4xx  -> KindAPI (non-retryable, via NewAPI)
//
// The header may be nil when the response headers are unavailable.
// now anchors HTTP-date Retry-After values; pass the injected clock's
// current time.
func FromStatus(statusCode int, message string, header http.Header, now time.Time) *Error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		classified := New(KindRateLimit, message)
		classified.StatusCode = statusCode
		classified.RetryAfter = RetryAfterHint(header, now)
		return classified
	case statusCode >= 500:
		classified := New(KindServer, message)
		classified.StatusCode = statusCode
		return classified
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		classified := New(KindUnauthorized, message)
		classified.StatusCode = statusCode
		return classified
	default:
		return NewAPI(statusCode, message)
	}
}

// FromTransport classifies an error from http.Client.Do — a failure
// with no HTTP response at all. Timeouts (context deadline, net
// timeout) become KindTimeout with status 408; dial-level failures
// (refused, reset, DNS) become KindConnection; everything else becomes
// KindNetwork. An error that is already a taxonomy error passes
// through unchanged.
func FromTransport(err error, method, url string) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	requestContext := map[string]any{"method": method, "url": url}

	if isTimeout(err) {
		timeout := Wrap(KindTimeout, fmt.Sprintf("%s %s exceeded request timeout", method, url), err)
		timeout.StatusCode = http.StatusRequestTimeout
		timeout.Context = requestContext
		return timeout
	}

	if isConnectionFailure(err) {
		connection := Wrap(KindConnection, fmt.Sprintf("%s %s connection failed", method, url), err)
		connection.Context = requestContext
		return connection
	}

	network := Wrap(KindNetwork, fmt.Sprintf("%s %s request failed", method, url), err)
	network.Context = requestContext
	return network
}

// isTimeout reports whether err is a deadline or timeout failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}

// isConnectionFailure reports whether err is a dial-level failure:
// connection refused, connection reset, or DNS resolution.
func isConnectionFailure(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED || errno == syscall.ECONNRESET
	}
	var dnsError *net.DNSError
	return errors.As(err, &dnsError)
}

// RetryAfterHint parses the Retry-After header into a backoff hint.
// Accepts the two forms RFC 9110 allows: a non-negative integer second
// count, or an HTTP-date converted to a delta from now. Negative
// deltas clamp to zero; unparsable values yield zero ("no hint").
func RetryAfterHint(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if date, err := http.ParseTime(value); err == nil {
		delta := date.Sub(now)
		if delta < 0 {
			return 0
		}
		return delta
	}

	return 0
}
