// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package last9

// EventState is the deployment lifecycle transition a change event
// marks.
type EventState string

const (
	// StateStart marks the beginning of a deployment.
	StateStart EventState = "start"

	// StateStop marks the end of a deployment.
	StateStop EventState = "stop"
)

// Valid reports whether s is one of the two recognized states.
func (s EventState) Valid() bool {
	return s == StateStart || s == StateStop
}

// ChangeEvent is one outbound deployment marker. Constructed once per
// lifecycle phase immediately before sending and immutable afterwards.
type ChangeEvent struct {
	// EventName labels the marker (e.g. "deployment"). Required.
	EventName string

	// State is the lifecycle transition this event marks.
	State EventState

	// Timestamp is an optional RFC 3339 instant. When empty, the
	// receiver assigns server time.
	Timestamp string

	// DataSourceName is an optional routing hint.
	DataSourceName string

	// Attributes are the correlation and context key/values. Values
	// are scalars (string, number, boolean).
	Attributes map[string]any

	// RequestID is the idempotency key presented on every send attempt
	// of this event. Stamped once at construction so the receiver can
	// deduplicate retries of the same event; not part of the wire body.
	RequestID string
}

// changeEventWire is the minimized JSON form: optional fields are
// omitted entirely rather than sent as null or empty, which the
// receiving service may reject.
type changeEventWire struct {
	EventName      string         `json:"event_name"`
	EventState     EventState     `json:"event_state"`
	Timestamp      string         `json:"timestamp,omitempty"`
	DataSourceName string         `json:"data_source_name,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// wire converts the event to its minimized wire form.
func (e *ChangeEvent) wire() changeEventWire {
	payload := changeEventWire{
		EventName:      e.EventName,
		EventState:     e.State,
		Timestamp:      e.Timestamp,
		DataSourceName: e.DataSourceName,
	}
	if len(e.Attributes) > 0 {
		payload.Attributes = e.Attributes
	}
	return payload
}

// TokenResponse is the result of a successful refresh-token exchange.
type TokenResponse struct {
	// AccessToken is the short-lived bearer credential.
	AccessToken string `json:"access_token"`

	// RefreshToken is a rotated refresh token, when the server issues
	// one. Empty means the caller keeps presenting the original.
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the access token expiry in seconds since epoch.
	ExpiresAt int64 `json:"expires_at"`

	// IssuedAt is the issue instant in seconds since epoch, when the
	// server reports it.
	IssuedAt int64 `json:"issued_at"`

	// Scopes lists the granted scopes, when the server reports them.
	Scopes []string `json:"scopes"`
}

// SendResult reports a successfully accepted change event.
type SendResult struct {
	// EventID is the server-assigned identifier, when present.
	EventID string

	// Timestamp is the instant the receiver recorded for the event.
	// Falls back to the event's locally stamped timestamp when the
	// server omits one.
	Timestamp string
}
