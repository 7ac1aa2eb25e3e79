// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokencache manages exchanged access tokens keyed by a digest
// of the refresh token that produced them. Entries are checked lazily
// at read time against an expiry buffer — there is no eviction timer.
//
// The cache may optionally persist to a state file so a stop-phase
// invocation running as a separate CI step reuses the access token the
// start phase obtained, instead of performing a second exchange.
package tokencache

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/clock"
	"github.com/last9/deploy-marker/lib/last9"
	"github.com/zeebo/blake3"
)

// DefaultExpiryBuffer is how far before expiry a cached token stops
// being served. Refreshing early avoids presenting a token that
// expires while the request is in flight.
const DefaultExpiryBuffer = 300 * time.Second

// Exchanger performs the network token exchange. Satisfied by
// *last9.Client; tests substitute a fake.
type Exchanger interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*last9.TokenResponse, error)
}

// CachedToken is one stored exchange result. Replaced, never mutated,
// on re-exchange.
type CachedToken struct {
	AccessToken  string    `cbor:"access_token"`
	RefreshToken string    `cbor:"refresh_token"`
	ExpiresAt    time.Time `cbor:"expires_at"`
	CachedAt     time.Time `cbor:"cached_at"`
}

// Config holds configuration for creating a Manager.
type Config struct {
	// Exchanger performs the token exchange. Required.
	Exchanger Exchanger

	// ExpiryBuffer overrides DefaultExpiryBuffer when positive.
	ExpiryBuffer time.Duration

	// StateFile, when set, persists entries across invocations. The
	// file is created with mode 0600; a corrupt or unreadable file is
	// treated as a cache miss, never an error.
	StateFile string

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager is the token cache. Within one invocation, calls are
// sequential; the mutex exists for embedders that share a Manager
// across goroutines — but such hosts must still add their own
// single-flight guard to avoid duplicate concurrent exchanges.
type Manager struct {
	exchanger Exchanger
	buffer    time.Duration
	stateFile string
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]CachedToken
	loaded  bool
}

// New creates a Manager from the given configuration.
func New(config Config) (*Manager, error) {
	if config.Exchanger == nil {
		return nil, fmt.Errorf("tokencache: Exchanger is required")
	}

	buffer := config.ExpiryBuffer
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		exchanger: config.Exchanger,
		buffer:    buffer,
		stateFile: config.StateFile,
		clock:     clk,
		logger:    logger,
		entries:   make(map[string]CachedToken),
	}, nil
}

// AccessToken returns a valid access token for the given refresh
// token, exchanging only when no cached token remains inside the
// expiry buffer. On exchange failure the stale entry is removed — a
// token known to be rejected is never served — and the classified
// error propagates.
func (m *Manager) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apierr.New(apierr.KindInvalidInput, "refresh token is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadStateLocked()
	key := cacheKey(refreshToken)
	now := m.clock.Now()

	if entry, ok := m.entries[key]; ok {
		if now.Before(entry.ExpiresAt.Add(-m.buffer)) {
			m.logger.Debug("using cached access token", "expires_at", entry.ExpiresAt)
			return entry.AccessToken, nil
		}
		m.logger.Debug("cached access token inside expiry buffer, re-exchanging",
			"expires_at", entry.ExpiresAt)
	}

	token, err := m.exchanger.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		delete(m.entries, key)
		m.saveStateLocked()
		return "", wrapExchangeFailure(err)
	}

	storedRefresh := token.RefreshToken
	if storedRefresh == "" {
		// The server did not rotate the refresh token; keep
		// presenting the original.
		storedRefresh = refreshToken
	}

	m.entries[key] = CachedToken{
		AccessToken:  token.AccessToken,
		RefreshToken: storedRefresh,
		ExpiresAt:    time.Unix(token.ExpiresAt, 0),
		CachedAt:     now,
	}
	m.saveStateLocked()

	return token.AccessToken, nil
}

// Clear removes all entries unconditionally. Used by tests and
// long-lived hosts; the normal single-shot flow never calls it.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]CachedToken)
	m.loaded = true
	m.saveStateLocked()
}

// wrapExchangeFailure ensures an exchange failure crosses the cache
// boundary as a taxonomy error. Classified errors pass through with
// their kind intact (a 5xx stays retryable); anything unclassified is
// wrapped as KindTokenExchange.
func wrapExchangeFailure(err error) error {
	classified := apierr.Classify(err)
	if classified.Kind != apierr.KindUnknown {
		return classified
	}
	return apierr.Wrap(apierr.KindTokenExchange, "token exchange failed: "+classified.Message, err)
}

// cacheKey derives the map key from the refresh token: a fixed-output
// blake3 digest, so the raw secret never appears as a map key in
// memory dumps, logs, or the persisted state file.
func cacheKey(refreshToken string) string {
	digest := blake3.Sum256([]byte(refreshToken))
	return hex.EncodeToString(digest[:])
}

// loadStateLocked loads the persisted entries once per Manager. A
// missing, corrupt, or unreadable state file is a cache miss, not an
// error. Must be called with m.mu held.
func (m *Manager) loadStateLocked() {
	if m.loaded || m.stateFile == "" {
		m.loaded = true
		return
	}
	m.loaded = true

	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Debug("token state file unreadable, starting empty", "error", err)
		}
		return
	}

	var entries map[string]CachedToken
	if err := cbor.Unmarshal(data, &entries); err != nil {
		m.logger.Debug("token state file corrupt, starting empty", "error", err)
		return
	}
	m.entries = entries
}

// saveStateLocked persists the entries when a state file is
// configured. Persistence failures are logged and swallowed — the
// cache is an optimization, never a correctness requirement. Must be
// called with m.mu held.
func (m *Manager) saveStateLocked() {
	if m.stateFile == "" {
		return
	}

	data, err := cbor.Marshal(m.entries)
	if err != nil {
		m.logger.Warn("encoding token state failed", "error", err)
		return
	}
	if err := os.WriteFile(m.stateFile, data, 0o600); err != nil {
		m.logger.Warn("writing token state failed", "error", err)
	}
}
