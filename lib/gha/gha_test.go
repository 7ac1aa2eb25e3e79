// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package gha

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var discard = slog.New(slog.DiscardHandler)

// envAction builds an Action whose environment is the given map.
func envAction(env map[string]string) *Action {
	return New(Config{
		Getenv: func(key string) string { return env[key] },
		Stdout: &bytes.Buffer{},
		Logger: discard,
	})
}

func TestInputNameMapping(t *testing.T) {
	action := envAction(map[string]string{
		"INPUT_REFRESH_TOKEN": "  rt-abc  ",
		"INPUT_EVENT_NAME":    "deployment",
	})

	if got := action.Input("refresh_token"); got != "rt-abc" {
		t.Errorf("Input(refresh_token) = %q, want trimmed rt-abc", got)
	}
	if got := action.Input("event name"); got != "deployment" {
		t.Errorf("Input(\"event name\") = %q, want deployment", got)
	}
	if got := action.Input("missing"); got != "" {
		t.Errorf("Input(missing) = %q, want empty", got)
	}
}

func TestInRunner(t *testing.T) {
	t.Setenv("GITHUB_ACTIONS", "")
	if InRunner() {
		t.Error("InRunner() = true outside the runner")
	}
	t.Setenv("GITHUB_ACTIONS", "true")
	if !InRunner() {
		t.Error("InRunner() = false with GITHUB_ACTIONS=true")
	}
}

func TestSetOutputSingleLine(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output")
	action := envAction(map[string]string{"GITHUB_OUTPUT": outputFile})

	if err := action.SetOutput("success", "true"); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	if err := action.SetOutput("start_timestamp", "2026-08-25T10:00:00Z"); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "success=true\n") {
		t.Errorf("missing success output: %q", content)
	}
	if !strings.Contains(content, "start_timestamp=2026-08-25T10:00:00Z\n") {
		t.Errorf("missing timestamp output: %q", content)
	}
}

func TestSetOutputMultilineUsesHeredoc(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output")
	action := envAction(map[string]string{"GITHUB_OUTPUT": outputFile})

	value := "line one\ninjected=nope"
	if err := action.SetOutput("notes", value); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "notes<<ghadelimiter_") {
		t.Errorf("multiline value not heredoc-framed: %q", content)
	}
	if !strings.Contains(content, value) {
		t.Errorf("multiline value missing: %q", content)
	}
	if strings.Contains(content, "notes=") {
		t.Errorf("multiline value written as plain assignment: %q", content)
	}
}

func TestSetOutputWithoutFileIsNoop(t *testing.T) {
	action := envAction(map[string]string{})
	if err := action.SetOutput("success", "true"); err != nil {
		t.Errorf("SetOutput without GITHUB_OUTPUT: %v", err)
	}
}

func TestMaskSecret(t *testing.T) {
	var stdout bytes.Buffer
	action := New(Config{
		Getenv: func(string) string { return "" },
		Stdout: &stdout,
		Logger: discard,
	})

	action.MaskSecret("rt-abc")
	if got := stdout.String(); got != "::add-mask::rt-abc\n" {
		t.Errorf("MaskSecret wrote %q", got)
	}

	stdout.Reset()
	action.MaskSecret("")
	if stdout.Len() != 0 {
		t.Errorf("MaskSecret(\"\") wrote %q", stdout.String())
	}
}

func TestRunContextFromEnvironment(t *testing.T) {
	eventPath := filepath.Join(t.TempDir(), "event.json")
	payload := `{"head_commit": {"message": "fix: align retry budget"}}`
	if err := os.WriteFile(eventPath, []byte(payload), 0o600); err != nil {
		t.Fatalf("writing event payload: %v", err)
	}

	action := envAction(map[string]string{
		"GITHUB_REPOSITORY":  "last9/payment-service",
		"GITHUB_WORKFLOW":    "deploy",
		"GITHUB_RUN_ID":      "12345",
		"GITHUB_RUN_NUMBER":  "42",
		"GITHUB_RUN_ATTEMPT": "1",
		"GITHUB_SHA":         "0123abcd",
		"GITHUB_REF":         "refs/heads/main",
		"GITHUB_REF_NAME":    "main",
		"GITHUB_ACTOR":       "octocat",
		"GITHUB_EVENT_NAME":  "push",
		"GITHUB_SERVER_URL":  "https://github.com",
		"GITHUB_EVENT_PATH":  eventPath,
	})

	runContext := action.RunContext()
	if runContext.Repository != "last9/payment-service" {
		t.Errorf("Repository = %q", runContext.Repository)
	}
	if runContext.RepositoryName() != "payment-service" {
		t.Errorf("RepositoryName() = %q", runContext.RepositoryName())
	}
	if runContext.CommitMessage != "fix: align retry budget" {
		t.Errorf("CommitMessage = %q", runContext.CommitMessage)
	}
	if want := "https://github.com/last9/payment-service/actions/runs/12345"; runContext.RunURL() != want {
		t.Errorf("RunURL() = %q, want %q", runContext.RunURL(), want)
	}
}

func TestRunContextMissingEventPayload(t *testing.T) {
	action := envAction(map[string]string{
		"GITHUB_REPOSITORY": "last9/payment-service",
		"GITHUB_EVENT_PATH": filepath.Join(t.TempDir(), "absent.json"),
	})

	runContext := action.RunContext()
	if runContext.CommitMessage != "" {
		t.Errorf("CommitMessage = %q, want empty for missing payload", runContext.CommitMessage)
	}
	if runContext.Repository != "last9/payment-service" {
		t.Error("context fields should survive a missing event payload")
	}
}

func TestRunContextMalformedEventPayload(t *testing.T) {
	eventPath := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(eventPath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing event payload: %v", err)
	}
	action := envAction(map[string]string{"GITHUB_EVENT_PATH": eventPath})

	if got := action.RunContext().CommitMessage; got != "" {
		t.Errorf("CommitMessage = %q, want empty for malformed payload", got)
	}
}

func TestRunURLIncomplete(t *testing.T) {
	runContext := &RunContext{Repository: "last9/payment-service"}
	if got := runContext.RunURL(); got != "" {
		t.Errorf("RunURL() = %q, want empty without run id", got)
	}
}
