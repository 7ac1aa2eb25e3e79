// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package last9

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/last9/deploy-marker/lib/apierr"
)

// sendResponse is the change-event endpoint's wire response.
type sendResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
}

// SendChangeEvent submits a change event to the organization's
// change-event endpoint, authenticating with the vendor-specific
// token header. On success, the server-assigned event id and
// timestamp are returned when present; the timestamp falls back to
// the event's locally stamped one.
func (client *Client) SendChangeEvent(ctx context.Context, orgSlug string, event *ChangeEvent, accessToken string) (*SendResult, error) {
	if orgSlug == "" {
		return nil, apierr.New(apierr.KindValidation, "organization slug is required")
	}
	if event == nil || event.EventName == "" {
		return nil, apierr.New(apierr.KindValidation, "event name is required")
	}
	if !event.State.Valid() {
		return nil, apierr.Newf(apierr.KindValidation, "invalid event state %q", event.State)
	}
	if accessToken == "" {
		return nil, apierr.New(apierr.KindTokenExpired, "no access token available")
	}

	// The request id must be stable across retries of the same event,
	// or the receiver cannot deduplicate a resend after a lost
	// response. Events built without one get a fresh id, which only
	// protects a single attempt.
	requestID := event.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	path := fmt.Sprintf("/api/v4/organizations/%s/change_events", orgSlug)
	headers := map[string]string{
		authTokenHeader: "Bearer " + accessToken,
		requestIDHeader: requestID,
	}

	var response sendResponse
	if err := client.do(ctx, http.MethodPost, path, headers, event.wire(), &response); err != nil {
		return nil, err
	}

	result := &SendResult{
		EventID:   response.EventID,
		Timestamp: response.Timestamp,
	}
	if result.Timestamp == "" {
		result.Timestamp = event.Timestamp
	}

	client.logger.Info("change event accepted",
		"event_name", event.EventName,
		"event_state", event.State,
		"event_id", result.EventID,
	)
	return result, nil
}
