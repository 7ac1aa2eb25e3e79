// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// deploy-marker sends deployment marker events to the Last9 change
// intelligence API from a CI/CD job. It marks the start and stop of a
// deployment so dashboards can overlay deploys on telemetry.
//
// Configuration layers, later overriding earlier: built-in defaults,
// an optional YAML defaults file (--config), GitHub Actions inputs
// (INPUT_* environment variables), then CLI flags. The refresh token
// is the only secret; it is masked in the job log and scrubbed from
// all structured log output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/clock"
	"github.com/last9/deploy-marker/lib/gha"
	"github.com/last9/deploy-marker/lib/last9"
	"github.com/last9/deploy-marker/lib/marker"
	"github.com/last9/deploy-marker/lib/redact"
	"github.com/last9/deploy-marker/lib/tokencache"
	"github.com/last9/deploy-marker/lib/version"
)

func main() {
	if err := run(); err != nil {
		printFailure(err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("deploy-marker", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML defaults file")
	apiBaseURL := flags.String("api-base-url", "", "API base URL (HTTPS)")
	orgSlug := flags.String("org-slug", "", "organization slug")
	refreshToken := flags.String("refresh-token", "", "OAuth refresh token (prefer the action input over this flag)")
	environment := flags.String("environment", "", "deployment environment label (required)")
	serviceName := flags.String("service-name", "", "service name override")
	dataSourceName := flags.String("data-source-name", "", "data source routing hint")
	eventName := flags.String("event-name", "", "marker event name")
	lifecycle := flags.String("lifecycle", "", "phases to mark: start, stop, or both")
	includeContext := flags.Bool("include-github-context", true, "attach workflow-run attributes to each event")
	customAttributes := flags.String("custom-attributes", "", "JSON object of scalar attributes merged last")
	maxAttempts := flags.Int("max-attempts", 0, "tries per API operation, first included")
	baseBackoff := flags.Duration("base-backoff", 0, "first-retry delay before jitter")
	maxBackoff := flags.Duration("max-backoff", 0, "cap on any single retry delay")
	requestTimeout := flags.Duration("request-timeout", 0, "per-request wall-clock budget")
	tokenStateFile := flags.String("token-state-file", "", "file persisting exchanged tokens across invocations")
	dryRun := flags.Bool("dry-run", false, "assemble and log events without network calls")
	healthCheck := flags.Bool("health-check", false, "probe API reachability and exit")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return apierr.Wrap(apierr.KindInvalidInput, "parsing flags", err)
	}

	if *showVersion {
		fmt.Println(version.Full())
		return nil
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	action := gha.New(gha.Config{Logger: logger})

	config := marker.DefaultConfig()
	if *configFile != "" {
		if err := marker.LoadDefaultsFile(&config, *configFile); err != nil {
			return err
		}
	}
	if err := marker.ApplyInputs(&config, action); err != nil {
		return err
	}
	if err := applyFlags(&config, flags, flagValues{
		apiBaseURL:       *apiBaseURL,
		orgSlug:          *orgSlug,
		refreshToken:     *refreshToken,
		environment:      *environment,
		serviceName:      *serviceName,
		dataSourceName:   *dataSourceName,
		eventName:        *eventName,
		lifecycle:        *lifecycle,
		includeContext:   *includeContext,
		customAttributes: *customAttributes,
		maxAttempts:      *maxAttempts,
		baseBackoff:      *baseBackoff,
		maxBackoff:       *maxBackoff,
		requestTimeout:   *requestTimeout,
		tokenStateFile:   *tokenStateFile,
		dryRun:           *dryRun,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := last9.NewClient(last9.Config{
		BaseURL:        config.APIBaseURL,
		RequestTimeout: config.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if *healthCheck {
		if !client.HealthCheck(ctx) {
			return apierr.Newf(apierr.KindConnection, "API at %s is unreachable", config.APIBaseURL)
		}
		fmt.Println("ok")
		return nil
	}

	if config.DryRun {
		// No credentials needed without network calls, but a bad
		// lifecycle or retry policy must still fail here.
		if err := config.ValidateLocal(); err != nil {
			return err
		}
	} else {
		if err := config.Validate(); err != nil {
			return err
		}
	}

	tokens, err := tokencache.New(tokencache.Config{
		Exchanger: client,
		StateFile: config.TokenStateFile,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	runner, err := marker.NewRunner(marker.RunnerConfig{
		Config:   &config,
		Provider: action,
		Tokens:   tokens,
		Sender:   client,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	result := runner.Run(ctx)
	printStatus(result)
	return result.Err
}

// flagValues carries the parsed flag values into applyFlags so only
// flags the user actually set (per pflag's Changed tracking) override
// the lower layers.
type flagValues struct {
	apiBaseURL       string
	orgSlug          string
	refreshToken     string
	environment      string
	serviceName      string
	dataSourceName   string
	eventName        string
	lifecycle        string
	includeContext   bool
	customAttributes string
	maxAttempts      int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	requestTimeout   time.Duration
	tokenStateFile   string
	dryRun           bool
}

func applyFlags(config *marker.Config, flags *pflag.FlagSet, values flagValues) error {
	setString := func(flag string, target *string, value string) {
		if flags.Changed(flag) {
			*target = value
		}
	}

	setString("api-base-url", &config.APIBaseURL, values.apiBaseURL)
	setString("org-slug", &config.OrgSlug, values.orgSlug)
	setString("refresh-token", &config.RefreshToken, values.refreshToken)
	setString("environment", &config.Environment, values.environment)
	setString("service-name", &config.ServiceName, values.serviceName)
	setString("data-source-name", &config.DataSourceName, values.dataSourceName)
	setString("event-name", &config.EventName, values.eventName)
	setString("token-state-file", &config.TokenStateFile, values.tokenStateFile)

	if flags.Changed("lifecycle") {
		config.Lifecycle = marker.Lifecycle(values.lifecycle)
	}
	if flags.Changed("include-github-context") {
		config.IncludeGitHubContext = values.includeContext
	}
	if flags.Changed("custom-attributes") {
		attributes, err := marker.ParseCustomAttributes(values.customAttributes)
		if err != nil {
			return err
		}
		config.CustomAttributes = attributes
	}
	if flags.Changed("max-attempts") {
		config.MaxAttempts = values.maxAttempts
	}
	if flags.Changed("base-backoff") {
		config.BaseBackoff = values.baseBackoff
	}
	if flags.Changed("max-backoff") {
		config.MaxBackoff = values.maxBackoff
	}
	if flags.Changed("request-timeout") {
		config.RequestTimeout = values.requestTimeout
	}
	if flags.Changed("dry-run") {
		config.DryRun = values.dryRun
	}
	return nil
}

// newLogger builds the process logger: JSON records in CI, human text
// on a terminal, both wrapped in credential redaction. The runner
// check comes first so self-hosted runners with a TTY on stderr still
// emit machine-readable records.
func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: logLevel}

	var inner slog.Handler
	if !gha.InRunner() && term.IsTerminal(int(os.Stderr.Fd())) {
		inner = slog.NewTextHandler(os.Stderr, options)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(redact.NewHandler(inner))
}

// printStatus writes the one-line human summary after the run. Colored
// only when stdout is a terminal.
func printStatus(result marker.Result) {
	output := termenv.NewOutput(os.Stdout)
	if result.Success {
		fmt.Println(output.String("deployment marker sent").Foreground(output.Color("2")))
	} else {
		fmt.Println(output.String("deployment marker failed").Foreground(output.Color("1")))
	}
	if result.StartTimestamp != "" {
		fmt.Printf("  start: %s\n", result.StartTimestamp)
	}
	if result.StopTimestamp != "" {
		fmt.Printf("  stop:  %s\n", result.StopTimestamp)
	}
}

// printFailure renders the fatal error in the taxonomy's user-facing
// form before the non-zero exit.
func printFailure(err error) {
	fmt.Fprintf(os.Stderr, "deploy-marker: %s\n", err)
}
