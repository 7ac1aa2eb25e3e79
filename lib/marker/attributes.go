// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package marker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/last9/deploy-marker/lib/clock"
	"github.com/last9/deploy-marker/lib/gha"
	"github.com/last9/deploy-marker/lib/last9"
)

// BuildAttributes assembles the event attribute map. Precedence is
// fixed: correlation keys first, then workflow-run context when
// enabled, then user-supplied custom attributes, which override any
// same-named key. A nil run context skips the context layer with a
// warning instead of failing; partial context beats no marker.
func BuildAttributes(config *Config, runContext *gha.RunContext, logger *slog.Logger) map[string]any {
	attributes := make(map[string]any)

	serviceName := config.ServiceName
	if serviceName == "" && runContext != nil {
		serviceName = runContext.RepositoryName()
	}
	if serviceName != "" {
		attributes["service_name"] = serviceName
	} else {
		logger.Warn("no service name configured and no repository context, omitting service_name")
	}
	attributes["env"] = config.Environment

	if config.IncludeGitHubContext {
		if runContext == nil {
			logger.Warn("workflow context unavailable, omitting run attributes")
		} else {
			mergeRunContext(attributes, runContext)
		}
	}

	for key, value := range config.CustomAttributes {
		attributes[key] = value
	}
	return attributes
}

// mergeRunContext adds the workflow-run fields that are populated.
// Absent fields are skipped rather than sent as empty strings.
func mergeRunContext(attributes map[string]any, runContext *gha.RunContext) {
	fields := map[string]string{
		"repository":     runContext.Repository,
		"workflow":       runContext.Workflow,
		"run_id":         runContext.RunID,
		"run_number":     runContext.RunNumber,
		"run_attempt":    runContext.RunAttempt,
		"commit_sha":     runContext.SHA,
		"ref":            runContext.Ref,
		"branch":         runContext.RefName,
		"commit_message": runContext.CommitMessage,
		"actor":          runContext.Actor,
		"trigger_event":  runContext.EventName,
		"run_url":        runContext.RunURL(),
	}
	for key, value := range fields {
		if value != "" {
			attributes[key] = value
		}
	}
}

// NewChangeEvent builds one lifecycle event, stamping the timestamp at
// build time rather than send time so retried sends keep the instant
// the phase actually occurred. The idempotency key is likewise fixed
// here so every retry of this event presents the same request id.
func NewChangeEvent(state last9.EventState, attributes map[string]any, config *Config, clk clock.Clock) *last9.ChangeEvent {
	return &last9.ChangeEvent{
		EventName:      config.EventName,
		State:          state,
		Timestamp:      clk.Now().UTC().Format(time.RFC3339),
		DataSourceName: config.DataSourceName,
		Attributes:     attributes,
		RequestID:      uuid.NewString(),
	}
}
