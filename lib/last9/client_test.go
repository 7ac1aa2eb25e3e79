// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package last9

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/clock"
	"github.com/last9/deploy-marker/lib/retry"
)

var discard = slog.New(slog.DiscardHandler)

// newTestClient builds a Client pointed at an httptest TLS server.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Clock:      clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresHTTPS(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://app.last9.io"})
	if !apierr.Is(err, apierr.KindConfig) {
		t.Errorf("err = %v, want a Config taxonomy error", err)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v4/oauth/access_token" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			http.Error(writer, "not found", 404)
			return
		}

		var body struct {
			RefreshToken string `json:"refresh_token"`
			GrantType    string `json:"grant_type"`
		}
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding exchange request: %v", err)
		}
		if body.GrantType != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", body.GrantType)
		}
		if body.RefreshToken != "rt_secret" {
			t.Errorf("refresh_token = %q, want rt_secret", body.RefreshToken)
		}

		json.NewEncoder(writer).Encode(map[string]any{
			"access_token":  "at_fresh",
			"refresh_token": "rt_rotated",
			"expires_at":    1772366400,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	token, err := client.RefreshAccessToken(context.Background(), "rt_secret")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if token.AccessToken != "at_fresh" {
		t.Errorf("AccessToken = %q, want at_fresh", token.AccessToken)
	}
	if token.RefreshToken != "rt_rotated" {
		t.Errorf("RefreshToken = %q, want rt_rotated", token.RefreshToken)
	}
	if token.ExpiresAt != 1772366400 {
		t.Errorf("ExpiresAt = %d, want 1772366400", token.ExpiresAt)
	}
}

func TestRefreshAccessTokenExpiryFromJWT(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": expiry.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test JWT: %v", err)
	}

	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// No expires_at in the response — the client must fall back
		// to the access token's exp claim.
		json.NewEncoder(writer).Encode(map[string]any{"access_token": signed})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	token, err := client.RefreshAccessToken(context.Background(), "rt_secret")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if token.ExpiresAt != expiry.Unix() {
		t.Errorf("ExpiresAt = %d, want %d (from JWT exp)", token.ExpiresAt, expiry.Unix())
	}
}

func TestRefreshAccessTokenRejection(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(401)
		json.NewEncoder(writer).Encode(map[string]string{"error": "invalid refresh token"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.RefreshAccessToken(context.Background(), "rt_bad")
	if !apierr.Is(err, apierr.KindTokenExchange) {
		t.Fatalf("err = %v, want KindTokenExchange", err)
	}
	if apierr.IsRetryable(err) {
		t.Error("token exchange rejection must not be retryable")
	}
	if strings.Contains(err.Error(), "rt_bad") {
		t.Error("error message must not contain the refresh token")
	}
}

func TestRefreshAccessTokenServerErrorStaysRetryable(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "try later", 503)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.RefreshAccessToken(context.Background(), "rt_secret")
	if !apierr.Is(err, apierr.KindServer) {
		t.Fatalf("err = %v, want KindServer", err)
	}
	if !apierr.IsRetryable(err) {
		t.Error("5xx during exchange must stay retryable")
	}
}

func TestSendChangeEvent(t *testing.T) {
	var captured map[string]any
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v4/organizations/acme/change_events" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if got := request.Header.Get("X-LAST9-API-TOKEN"); got != "Bearer at_fresh" {
			t.Errorf("auth header = %q, want %q", got, "Bearer at_fresh")
		}
		if request.Header.Get("X-Request-Id") == "" {
			t.Error("missing X-Request-Id idempotency header")
		}
		if err := json.NewDecoder(request.Body).Decode(&captured); err != nil {
			t.Fatalf("decoding event payload: %v", err)
		}
		json.NewEncoder(writer).Encode(map[string]any{
			"success":   true,
			"event_id":  "evt_123",
			"timestamp": "2026-03-01T12:00:05Z",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	event := &ChangeEvent{
		EventName: "deployment",
		State:     StateStart,
		Timestamp: "2026-03-01T12:00:00Z",
		Attributes: map[string]any{
			"service_name": "payment-service",
			"env":          "production",
		},
	}

	result, err := client.SendChangeEvent(context.Background(), "acme", event, "at_fresh")
	if err != nil {
		t.Fatalf("SendChangeEvent: %v", err)
	}
	if result.EventID != "evt_123" {
		t.Errorf("EventID = %q, want evt_123", result.EventID)
	}
	if result.Timestamp != "2026-03-01T12:00:05Z" {
		t.Errorf("Timestamp = %q, want the server-assigned one", result.Timestamp)
	}

	if captured["event_name"] != "deployment" || captured["event_state"] != "start" {
		t.Errorf("payload = %v, want event_name/event_state populated", captured)
	}
	// Optional field with no value must be absent, not null.
	if _, present := captured["data_source_name"]; present {
		t.Error("empty data_source_name must be omitted from the payload")
	}
}

func TestSendChangeEventMinimizedPayload(t *testing.T) {
	var captured map[string]json.RawMessage
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		json.NewDecoder(request.Body).Decode(&captured)
		writer.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	event := &ChangeEvent{
		EventName: "deployment",
		State:     StateStop,
		Timestamp: "2026-03-01T12:01:00Z",
	}

	result, err := client.SendChangeEvent(context.Background(), "acme", event, "at_fresh")
	if err != nil {
		t.Fatalf("SendChangeEvent: %v", err)
	}

	for _, optional := range []string{"attributes", "data_source_name"} {
		if _, present := captured[optional]; present {
			t.Errorf("unset field %q must be omitted from the payload", optional)
		}
	}
	// Server omitted a timestamp, so the local one is reported.
	if result.Timestamp != "2026-03-01T12:01:00Z" {
		t.Errorf("Timestamp = %q, want the local fallback", result.Timestamp)
	}
}

func TestSendChangeEventRequestIDStableAcrossRetries(t *testing.T) {
	// A resend after a lost response must present the same request id,
	// or the receiver records a duplicate marker.
	var requestIDs []string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestIDs = append(requestIDs, request.Header.Get("X-Request-Id"))
		if len(requestIDs) <= 2 {
			http.Error(writer, "try later", 503)
			return
		}
		json.NewEncoder(writer).Encode(map[string]any{"success": true, "event_id": "evt_123"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	event := &ChangeEvent{
		EventName: "deployment",
		State:     StateStart,
		Timestamp: "2026-03-01T12:00:00Z",
		RequestID: "11111111-2222-3333-4444-555555555555",
	}

	// Zero backoff keeps the fake-clock sleeps from blocking.
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := retry.Policy{MaxAttempts: 3}
	result, err := retry.Do(context.Background(), fake, discard, policy, "send start event",
		func(ctx context.Context) (*SendResult, error) {
			return client.SendChangeEvent(ctx, "acme", event, "at_fresh")
		})
	if err != nil {
		t.Fatalf("retried send: %v", err)
	}
	if result.EventID != "evt_123" {
		t.Errorf("EventID = %q, want evt_123", result.EventID)
	}

	if len(requestIDs) != 3 {
		t.Fatalf("server saw %d attempts, want 3", len(requestIDs))
	}
	for attempt, id := range requestIDs {
		if id != event.RequestID {
			t.Errorf("attempt %d presented request id %q, want the event's %q", attempt+1, id, event.RequestID)
		}
	}
}

func TestSendChangeEventUnauthorized(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "expired token", 401)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	event := &ChangeEvent{EventName: "deployment", State: StateStart}

	_, err := client.SendChangeEvent(context.Background(), "acme", event, "at_stale")
	if !apierr.Is(err, apierr.KindUnauthorized) {
		t.Fatalf("err = %v, want KindUnauthorized", err)
	}
	if !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("message %q should name the Unauthorized kind", err.Error())
	}
	if apierr.IsRetryable(err) {
		t.Error("401 must not be retryable")
	}
}

func TestSendChangeEventRateLimited(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Retry-After", "5")
		http.Error(writer, "rate limited", 429)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	event := &ChangeEvent{EventName: "deployment", State: StateStart}

	_, err := client.SendChangeEvent(context.Background(), "acme", event, "at_fresh")
	if !apierr.Is(err, apierr.KindRateLimit) {
		t.Fatalf("err = %v, want KindRateLimit", err)
	}
	if hint := apierr.RetryAfterOf(err); hint != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", hint)
	}
}

func TestSendChangeEventValidation(t *testing.T) {
	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	tests := []struct {
		name  string
		org   string
		event *ChangeEvent
		token string
	}{
		{"missing org", "", &ChangeEvent{EventName: "deployment", State: StateStart}, "at"},
		{"missing event name", "acme", &ChangeEvent{State: StateStart}, "at"},
		{"bad state", "acme", &ChangeEvent{EventName: "deployment", State: "paused"}, "at"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := client.SendChangeEvent(context.Background(), test.org, test.event, test.token)
			if !apierr.Is(err, apierr.KindValidation) {
				t.Errorf("err = %v, want KindValidation", err)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		RequestTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.RefreshAccessToken(context.Background(), "rt_secret")
	if !apierr.Is(err, apierr.KindTimeout) {
		t.Fatalf("err = %v, want KindTimeout", err)
	}
	if !apierr.IsRetryable(err) {
		t.Error("timeouts must be retryable")
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v4/health" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writer.WriteHeader(200)
	}))
	defer healthy.Close()

	client := newTestClient(t, healthy)
	if !client.HealthCheck(context.Background()) {
		t.Error("HealthCheck = false against a healthy server")
	}

	unhealthy := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "down", 500)
	}))
	defer unhealthy.Close()

	client = newTestClient(t, unhealthy)
	if client.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true against a failing server")
	}

	// Unreachable server: errors are swallowed, not propagated.
	unreachable, err := NewClient(Config{BaseURL: "https://127.0.0.1:1", RequestTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if unreachable.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true against an unreachable server")
	}
}
