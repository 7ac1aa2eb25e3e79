// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package gha

import (
	"encoding/json"
	"os"
	"strings"
)

// RunContext describes the workflow run and the commit it is acting
// on, assembled from the runner's standard environment variables.
// Fields the runner did not populate are empty strings; callers decide
// which absences matter.
type RunContext struct {
	Repository    string // owner/name
	Workflow      string
	RunID         string
	RunNumber     string
	RunAttempt    string
	SHA           string
	Ref           string
	RefName       string
	Actor         string
	EventName     string
	ServerURL     string
	CommitMessage string
}

// RepositoryName returns the repository name without the owner prefix,
// or the raw value when it has no slash.
func (c *RunContext) RepositoryName() string {
	if _, name, found := strings.Cut(c.Repository, "/"); found {
		return name
	}
	return c.Repository
}

// RunURL returns the browsable URL of the workflow run, or empty when
// the server URL or run id is unknown.
func (c *RunContext) RunURL() string {
	if c.ServerURL == "" || c.Repository == "" || c.RunID == "" {
		return ""
	}
	return c.ServerURL + "/" + c.Repository + "/actions/runs/" + c.RunID
}

// RunContext assembles the workflow-run context from the environment.
// The commit message requires parsing the webhook event payload; when
// that file is missing or malformed the message is left empty with a
// warning rather than failing the run.
func (a *Action) RunContext() *RunContext {
	runContext := &RunContext{
		Repository: a.getenv("GITHUB_REPOSITORY"),
		Workflow:   a.getenv("GITHUB_WORKFLOW"),
		RunID:      a.getenv("GITHUB_RUN_ID"),
		RunNumber:  a.getenv("GITHUB_RUN_NUMBER"),
		RunAttempt: a.getenv("GITHUB_RUN_ATTEMPT"),
		SHA:        a.getenv("GITHUB_SHA"),
		Ref:        a.getenv("GITHUB_REF"),
		RefName:    a.getenv("GITHUB_REF_NAME"),
		Actor:      a.getenv("GITHUB_ACTOR"),
		EventName:  a.getenv("GITHUB_EVENT_NAME"),
		ServerURL:  a.getenv("GITHUB_SERVER_URL"),
	}
	runContext.CommitMessage = a.commitMessage()
	return runContext
}

// commitMessage extracts head_commit.message from the webhook event
// payload. Only push-style payloads carry it; other event types
// legitimately yield empty.
func (a *Action) commitMessage() string {
	path := a.getenv("GITHUB_EVENT_PATH")
	if path == "" {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("reading event payload failed, omitting commit message", "error", err)
		return ""
	}

	var payload struct {
		HeadCommit struct {
			Message string `json:"message"`
		} `json:"head_commit"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("parsing event payload failed, omitting commit message", "error", err)
		return ""
	}
	return payload.HeadCommit.Message
}
