// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gha reads and writes the GitHub Actions runner contract:
// INPUT_* environment variables, the GITHUB_OUTPUT file, workflow
// commands on stdout, and the workflow-run environment that describes
// the commit being deployed.
package gha

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Action is a handle on the GitHub Actions runner environment. The
// environment lookup and stdout writer are injectable so tests run
// hermetically without mutating the process environment.
type Action struct {
	getenv func(string) string
	stdout io.Writer
	logger *slog.Logger
}

// Config holds configuration for creating an Action.
type Config struct {
	// Getenv looks up environment variables. Defaults to os.Getenv.
	Getenv func(string) string

	// Stdout receives workflow commands such as add-mask. Defaults to
	// os.Stdout.
	Stdout io.Writer

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates an Action from the given configuration.
func New(config Config) *Action {
	getenv := config.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	stdout := config.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Action{getenv: getenv, stdout: stdout, logger: logger}
}

// InRunner reports whether the process is running under the GitHub
// Actions runner. A package function rather than a method: callers
// need it before any Action (and its logger) exists, to pick the log
// output format.
func InRunner() bool {
	return os.Getenv("GITHUB_ACTIONS") == "true"
}

// Input returns the value of a declared action input, trimmed of
// surrounding whitespace. The runner exposes inputs as INPUT_<NAME>
// with the name uppercased and spaces replaced by underscores.
func (a *Action) Input(name string) string {
	key := "INPUT_" + strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
	return strings.TrimSpace(a.getenv(key))
}

// SetOutput records a step output by appending to the file named by
// GITHUB_OUTPUT. Multiline values use the runner's heredoc form with a
// random delimiter so a value containing "name=value" lines cannot
// inject additional outputs. Outside the runner the output is logged
// and dropped.
func (a *Action) SetOutput(name, value string) error {
	path := a.getenv("GITHUB_OUTPUT")
	if path == "" {
		a.logger.Debug("GITHUB_OUTPUT not set, skipping output", "name", name)
		return nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening GITHUB_OUTPUT: %w", err)
	}
	defer file.Close()

	var line string
	if strings.ContainsAny(value, "\r\n") {
		delimiter := "ghadelimiter_" + uuid.NewString()
		line = fmt.Sprintf("%s<<%s\n%s\n%s\n", name, delimiter, value, delimiter)
	} else {
		line = fmt.Sprintf("%s=%s\n", name, value)
	}
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("writing GITHUB_OUTPUT: %w", err)
	}
	return nil
}

// MaskSecret instructs the runner to mask every future occurrence of
// value in the job log. Must be called before the value could first
// appear. A no-op for empty values.
func (a *Action) MaskSecret(value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(a.stdout, "::add-mask::%s\n", value)
}
