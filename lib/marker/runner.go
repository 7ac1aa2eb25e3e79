// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package marker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/clock"
	"github.com/last9/deploy-marker/lib/gha"
	"github.com/last9/deploy-marker/lib/last9"
	"github.com/last9/deploy-marker/lib/retry"
)

// ContextProvider supplies the workflow-run metadata and the output
// channel back to the CI platform. Satisfied by *gha.Action.
type ContextProvider interface {
	RunContext() *gha.RunContext
	SetOutput(name, value string) error
	MaskSecret(value string)
}

// TokenSource yields a valid access token for a refresh token.
// Satisfied by *tokencache.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, refreshToken string) (string, error)
}

// EventSender submits one change event. Satisfied by *last9.Client.
type EventSender interface {
	SendChangeEvent(ctx context.Context, orgSlug string, event *last9.ChangeEvent, accessToken string) (*last9.SendResult, error)
}

// Result is what one invocation reports back to the workflow. The
// timestamps are those of events actually accepted; on failure they
// still carry whatever was obtained before the failure.
type Result struct {
	Success        bool
	StartTimestamp string
	StopTimestamp  string
	Err            error
}

// Runner sequences one invocation: acquire a token, send the selected
// lifecycle events, report outputs. It is a straight-line sequence,
// never revisited, with no rollback of an already-sent event.
type Runner struct {
	config   *Config
	provider ContextProvider
	tokens   TokenSource
	sender   EventSender
	clock    clock.Clock
	logger   *slog.Logger
}

// RunnerConfig holds configuration for creating a Runner.
type RunnerConfig struct {
	Config   *Config
	Provider ContextProvider
	Tokens   TokenSource
	Sender   EventSender

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewRunner creates a Runner from the given configuration. The
// configuration must already be validated.
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Config == nil || config.Provider == nil || config.Tokens == nil || config.Sender == nil {
		return nil, errors.New("marker: Config, Provider, Tokens, and Sender are required")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		config:   config.Config,
		provider: config.Provider,
		tokens:   config.Tokens,
		sender:   config.Sender,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Run executes the invocation. Token acquisition failure is fatal and
// sends nothing; a failed start send does not prevent the stop send,
// and outputs are reported in every case, including failure, so
// downstream workflow steps can branch on them.
func (r *Runner) Run(ctx context.Context) Result {
	var result Result

	policy := retry.Policy{
		MaxAttempts: r.config.MaxAttempts,
		BaseBackoff: r.config.BaseBackoff,
		MaxBackoff:  r.config.MaxBackoff,
	}

	runContext := r.provider.RunContext()
	attributes := BuildAttributes(r.config, runContext, r.logger)

	accessToken, err := r.acquireToken(ctx, policy)
	if err != nil {
		r.logger.Error("token acquisition failed", "error", err)
		result.Err = err
		r.reportOutputs(&result)
		return result
	}

	var phaseErrors []error
	if r.config.Lifecycle.SendsStart() {
		timestamp, err := r.sendPhase(ctx, policy, last9.StateStart, attributes, accessToken)
		if err != nil {
			phaseErrors = append(phaseErrors, err)
		} else {
			result.StartTimestamp = timestamp
		}
	}
	if r.config.Lifecycle.SendsStop() {
		timestamp, err := r.sendPhase(ctx, policy, last9.StateStop, attributes, accessToken)
		if err != nil {
			phaseErrors = append(phaseErrors, err)
		} else {
			result.StopTimestamp = timestamp
		}
	}

	result.Err = errors.Join(phaseErrors...)
	result.Success = result.Err == nil
	r.reportOutputs(&result)
	return result
}

// acquireToken runs the retried token exchange. In dry-run mode no
// credential is needed and none is fetched.
func (r *Runner) acquireToken(ctx context.Context, policy retry.Policy) (string, error) {
	if r.config.DryRun {
		return "", nil
	}
	return retry.Do(ctx, r.clock, r.logger, policy, "token exchange",
		func(ctx context.Context) (string, error) {
			return r.tokens.AccessToken(ctx, r.config.RefreshToken)
		})
}

// sendPhase builds and sends one lifecycle event under the retry
// policy, returning the timestamp the receiver recorded.
func (r *Runner) sendPhase(ctx context.Context, policy retry.Policy, state last9.EventState, attributes map[string]any, accessToken string) (string, error) {
	event := NewChangeEvent(state, attributes, r.config, r.clock)

	if r.config.DryRun {
		r.logger.Info("dry run, not sending change event",
			"event_name", event.EventName,
			"event_state", event.State,
			"timestamp", event.Timestamp,
			"attribute_count", len(event.Attributes),
		)
		return event.Timestamp, nil
	}

	sendResult, err := retry.Do(ctx, r.clock, r.logger, policy, "send "+string(state)+" event",
		func(ctx context.Context) (*last9.SendResult, error) {
			return r.sender.SendChangeEvent(ctx, r.config.OrgSlug, event, accessToken)
		})
	if err != nil {
		r.logger.Error("change event send failed",
			"event_state", state,
			"error_kind", apierr.KindOf(err).String(),
			"error", err,
		)
		return "", err
	}
	return sendResult.Timestamp, nil
}

// reportOutputs writes the invocation's outputs unconditionally.
// Output write failures are logged, never allowed to mask the primary
// result.
func (r *Runner) reportOutputs(result *Result) {
	outputs := []struct {
		name  string
		value string
	}{
		{"success", boolString(result.Success)},
		{"start_timestamp", result.StartTimestamp},
		{"stop_timestamp", result.StopTimestamp},
	}
	for _, output := range outputs {
		if err := r.provider.SetOutput(output.name, output.value); err != nil {
			r.logger.Warn("writing output failed", "name", output.name, "error", err)
		}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
