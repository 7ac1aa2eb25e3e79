// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package last9 is a typed client for the two Last9 API operations the
// deploy-marker tool performs: exchanging a refresh token for an
// access token, and submitting a change event. Every failure leaves
// this package as a classified apierr taxonomy error.
package last9

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/clock"
)

// defaultBaseURL is the public Last9 API endpoint.
const defaultBaseURL = "https://app.last9.io"

// defaultRequestTimeout bounds every request to a fixed wall-clock
// budget. The transport's own default would be unbounded; a CI job
// must never hang indefinitely on a single call.
const defaultRequestTimeout = 30 * time.Second

// authTokenHeader is the vendor-specific authorization header the
// change-event endpoint requires. The value carries the standard
// "Bearer <token>" form, but the header name is not Authorization.
const authTokenHeader = "X-LAST9-API-TOKEN"

// requestIDHeader carries a per-request idempotency key so a retried
// send is not recorded as a duplicate marker.
const requestIDHeader = "X-Request-Id"

const (
	tokenExchangePath = "/api/v4/oauth/access_token"
	healthPath        = "/api/v4/health"
)

// maxResponseSize bounds API response body reads. Responses are small
// JSON objects; the bound only guards against a pathological server.
const maxResponseSize int64 = 4 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://app.last9.io". Must use HTTPS.
	BaseURL string

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// RequestTimeout is the per-request wall-clock budget. Defaults
	// to 30 seconds.
	RequestTimeout time.Duration

	// Clock provides time operations. Defaults to clock.Real().
	// Inject clock.Fake() in tests for deterministic behavior.
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client performs authenticated Last9 API requests with per-request
// timeouts and taxonomy error classification.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
}

// NewClient creates a Last9 API client from the given configuration.
// Returns an error if the base URL is not HTTPS.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if !strings.HasPrefix(baseURL, "https://") {
		return nil, apierr.Newf(apierr.KindConfig, "API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		clock:          clk,
		logger:         logger,
	}, nil
}

// HealthCheck probes the API's reachability. Best-effort diagnostic:
// all errors are swallowed and reported as false rather than
// propagated. Never on the critical path.
func (client *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, client.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+healthPath, nil)
	if err != nil {
		return false
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Debug("health check failed", "error", err)
		return false
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseSize))

	return response.StatusCode >= 200 && response.StatusCode < 300
}

// do executes one JSON API request under the client's timeout budget.
// The request body is JSON-encoded from requestBody (nil for none);
// a 2xx response body is decoded into result (nil to discard). All
// failures return classified taxonomy errors carrying the method and
// URL in their context — never token material.
func (client *Client) do(ctx context.Context, method, path string, headers map[string]string, requestBody any, result any) error {
	url := client.baseURL + path

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return apierr.Wrap(apierr.KindValidation, fmt.Sprintf("encoding %s %s request body", method, url), err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, client.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidInput, fmt.Sprintf("creating %s %s request", method, url), err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return apierr.FromTransport(err, method, url)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, fmt.Sprintf("reading %s %s response body", method, url), err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		classified := apierr.FromStatus(response.StatusCode, errorMessage(body), response.Header, client.clock.Now())
		classified.Context = map[string]any{"method": method, "url": url}
		return classified
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return apierr.Wrap(apierr.KindUnknown, fmt.Sprintf("decoding %s %s response", method, url), err)
		}
	}
	return nil
}

// errorMessage extracts a human-readable message from an API error
// body. The API returns {"error": "..."} or {"message": "..."}; a
// body of any other shape is used raw, truncated.
func errorMessage(body []byte) string {
	var wireError struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wireError) == nil {
		if wireError.Error != "" {
			return wireError.Error
		}
		if wireError.Message != "" {
			return wireError.Message
		}
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		return "request failed"
	}
	const maxMessage = 512
	if len(message) > maxMessage {
		message = message[:maxMessage]
	}
	return message
}
