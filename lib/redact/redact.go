// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redact provides a slog.Handler wrapper that masks credential
// material before records reach any sink. The tool handles a refresh
// token and short-lived access tokens; neither may ever appear in CI
// logs, which are frequently world-readable.
package redact

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// mask replaces every redacted value.
const mask = "***"

// sensitiveKeyTerms flags an attribute for masking when its key
// contains any of these, case-insensitively. Substring matching
// catches variants like "last9_refresh_token" and "apiKey".
var sensitiveKeyTerms = []string{
	"token",
	"password",
	"secret",
	"authorization",
	"api_key",
	"apikey",
	"credential",
	"bearer",
}

// bearerPattern scrubs inline bearer credentials from free-form string
// values and messages, where the key gives no signal.
var bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)

// Handler wraps an inner slog.Handler and masks sensitive attribute
// values and inline bearer credentials. Group structure passes through
// untouched.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner with credential masking.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

// Enabled reports whether the inner handler handles records at the
// given level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle masks the record's message and attributes, then delegates.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	scrubbed := slog.NewRecord(record.Time, record.Level, scrubString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		scrubbed.AddAttrs(scrubAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, scrubbed)
}

// WithAttrs masks the pre-bound attributes before handing them to the
// inner handler, so values bound once via Logger.With are scrubbed
// exactly once.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = scrubAttr(attr)
	}
	return &Handler{inner: h.inner.WithAttrs(scrubbed)}
}

// WithGroup delegates to the inner handler, keeping the wrapper on the
// outside so attributes added under the group still pass through
// scrubbing.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

// scrubAttr masks an attribute whose key looks sensitive, recursing
// into groups and scrubbing bearer patterns out of string values.
func scrubAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		scrubbed := make([]slog.Attr, len(members))
		for i, member := range members {
			scrubbed[i] = scrubAttr(member)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(scrubbed...)}
	}

	if sensitiveKey(attr.Key) {
		return slog.String(attr.Key, mask)
	}

	value := attr.Value.Resolve()
	if value.Kind() == slog.KindString {
		return slog.String(attr.Key, scrubString(value.String()))
	}
	return attr
}

func sensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

func scrubString(s string) string {
	if !bearerPattern.MatchString(s) {
		return s
	}
	return bearerPattern.ReplaceAllString(s, "Bearer "+mask)
}
