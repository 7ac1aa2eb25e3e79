// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package marker is the deploy-marker core: configuration, attribute
// and event assembly, and the orchestrator that sequences token
// acquisition and the start/stop sends. It touches no process
// environment and no CLI flags; all I/O arrives through the
// collaborator interfaces in runner.go.
package marker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Lifecycle selects which deployment phases an invocation marks.
type Lifecycle string

const (
	LifecycleStart Lifecycle = "start"
	LifecycleStop  Lifecycle = "stop"
	LifecycleBoth  Lifecycle = "both"
)

// Valid reports whether l is a recognized lifecycle selector.
func (l Lifecycle) Valid() bool {
	return l == LifecycleStart || l == LifecycleStop || l == LifecycleBoth
}

// SendsStart reports whether the start event should be sent.
func (l Lifecycle) SendsStart() bool { return l == LifecycleStart || l == LifecycleBoth }

// SendsStop reports whether the stop event should be sent.
func (l Lifecycle) SendsStop() bool { return l == LifecycleStop || l == LifecycleBoth }

// Config is the full configuration surface. Values are layered:
// defaults, then an optional YAML defaults file, then action inputs,
// then CLI flags, each overriding the previous for keys it sets.
type Config struct {
	// APIBaseURL is the root URL for API requests. Must be HTTPS.
	APIBaseURL string `yaml:"api_base_url"`

	// OrgSlug identifies the organization receiving the events.
	OrgSlug string `yaml:"org_slug"`

	// RefreshToken is the long-lived OAuth credential. Secret; never
	// sourced from the defaults file in CI, but accepted there for
	// local runs against a test backend.
	RefreshToken string `yaml:"refresh_token"`

	// Environment is the deployment environment label. Required, no
	// default: dashboard correlation depends on an exact match with
	// the backend's environment label.
	Environment string `yaml:"environment"`

	// ServiceName overrides the repository-derived service name.
	ServiceName string `yaml:"service_name"`

	// DataSourceName is an optional routing hint forwarded verbatim.
	DataSourceName string `yaml:"data_source_name"`

	// EventName labels the markers. Defaults to "deployment".
	EventName string `yaml:"event_name"`

	// Lifecycle selects which phases to mark. Defaults to both.
	Lifecycle Lifecycle `yaml:"lifecycle"`

	// IncludeGitHubContext merges workflow-run attributes into each
	// event. Defaults to true.
	IncludeGitHubContext bool `yaml:"include_github_context"`

	// CustomAttributes are user-supplied scalar key/values merged last,
	// overriding any collected attribute of the same name.
	CustomAttributes map[string]any `yaml:"custom_attributes"`

	// MaxAttempts bounds tries per operation, first included.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseBackoff is the first-retry delay before jitter.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps any single retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout is the per-request wall-clock budget.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TokenStateFile persists exchanged tokens across invocations so a
	// stop phase in a separate CI step skips its exchange. Optional.
	TokenStateFile string `yaml:"token_state_file"`

	// DryRun assembles and logs events without network calls.
	DryRun bool `yaml:"dry_run"`
}

// DefaultConfig returns the baseline configuration every layer
// overlays.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:           "https://app.last9.io",
		EventName:            "deployment",
		Lifecycle:            LifecycleBoth,
		IncludeGitHubContext: true,
		MaxAttempts:          3,
		BaseBackoff:          1 * time.Second,
		MaxBackoff:           30 * time.Second,
		RequestTimeout:       30 * time.Second,
	}
}

// LoadDefaultsFile overlays a YAML defaults file onto config. Keys
// absent from the file keep their current values.
func LoadDefaultsFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apierr.Wrap(apierr.KindConfig, fmt.Sprintf("reading config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return apierr.Wrap(apierr.KindConfig, fmt.Sprintf("parsing config file %s", path), err)
	}
	return nil
}

// InputReader reads named string inputs. Satisfied by *gha.Action.
type InputReader interface {
	Input(name string) string
	MaskSecret(value string)
}

// ApplyInputs overlays action inputs onto config, skipping inputs the
// workflow did not set. The refresh token is registered for log
// masking as soon as it is read.
func ApplyInputs(config *Config, inputs InputReader) error {
	setString := func(name string, target *string) {
		if value := inputs.Input(name); value != "" {
			*target = value
		}
	}

	setString("api_base_url", &config.APIBaseURL)
	setString("org_slug", &config.OrgSlug)
	setString("environment", &config.Environment)
	setString("service_name", &config.ServiceName)
	setString("data_source_name", &config.DataSourceName)
	setString("event_name", &config.EventName)
	setString("token_state_file", &config.TokenStateFile)

	if value := inputs.Input("refresh_token"); value != "" {
		inputs.MaskSecret(value)
		config.RefreshToken = value
	}

	if value := inputs.Input("lifecycle"); value != "" {
		config.Lifecycle = Lifecycle(value)
	}

	if value := inputs.Input("include_github_context"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return apierr.Newf(apierr.KindInvalidInput, "include_github_context: %q is not a boolean", value)
		}
		config.IncludeGitHubContext = parsed
	}

	if value := inputs.Input("custom_attributes"); value != "" {
		attributes, err := ParseCustomAttributes(value)
		if err != nil {
			return err
		}
		config.CustomAttributes = attributes
	}

	if value := inputs.Input("max_attempts"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return apierr.Newf(apierr.KindInvalidInput, "max_attempts: %q is not an integer", value)
		}
		config.MaxAttempts = parsed
	}

	setDuration := func(name string, target *time.Duration) error {
		value := inputs.Input(name)
		if value == "" {
			return nil
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return apierr.Newf(apierr.KindInvalidInput, "%s: %q is not a duration", name, value)
		}
		*target = parsed
		return nil
	}
	if err := setDuration("base_backoff", &config.BaseBackoff); err != nil {
		return err
	}
	if err := setDuration("max_backoff", &config.MaxBackoff); err != nil {
		return err
	}
	if err := setDuration("request_timeout", &config.RequestTimeout); err != nil {
		return err
	}
	return nil
}

// ParseCustomAttributes parses a user-supplied attribute object.
// Comments and trailing commas are tolerated since the value is
// usually hand-written inside workflow YAML.
func ParseCustomAttributes(raw string) (map[string]any, error) {
	var attributes map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &attributes); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidInput, "custom_attributes is not a JSON object", err)
	}
	return attributes, nil
}

// Validate checks the assembled configuration. All problems are
// reported at once so the user fixes the workflow in one pass.
func (c *Config) Validate() error {
	var problems []error

	if c.OrgSlug == "" {
		problems = append(problems, apierr.New(apierr.KindConfig, "org_slug is required"))
	}
	if c.RefreshToken == "" {
		problems = append(problems, apierr.New(apierr.KindConfig, "refresh_token is required"))
	}
	problems = append(problems, c.localProblems()...)

	return errors.Join(problems...)
}

// ValidateLocal checks every field except the API credentials. Dry
// runs assemble and log events without contacting the API, so they
// need no org slug or refresh token, but a malformed lifecycle or
// retry policy must still be rejected there — the dry run exists to
// catch workflow mistakes.
func (c *Config) ValidateLocal() error {
	return errors.Join(c.localProblems()...)
}

func (c *Config) localProblems() []error {
	var problems []error

	if c.Environment == "" {
		problems = append(problems, apierr.New(apierr.KindConfig, "environment is required"))
	}
	if !c.Lifecycle.Valid() {
		problems = append(problems, apierr.Newf(apierr.KindConfig, "lifecycle must be start, stop, or both (got %q)", c.Lifecycle))
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, apierr.Newf(apierr.KindConfig, "max_attempts must be at least 1 (got %d)", c.MaxAttempts))
	}
	if c.BaseBackoff < 0 || c.MaxBackoff < c.BaseBackoff {
		problems = append(problems, apierr.New(apierr.KindConfig, "backoff bounds must satisfy 0 <= base_backoff <= max_backoff"))
	}

	for key, value := range c.CustomAttributes {
		switch value.(type) {
		case string, bool, float64, int, int64:
		default:
			problems = append(problems, apierr.Newf(apierr.KindInvalidInput,
				"custom attribute %q must be a string, number, or boolean", key))
		}
	}

	return problems
}
