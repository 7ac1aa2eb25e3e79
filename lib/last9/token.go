// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

package last9

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/last9/deploy-marker/lib/apierr"
)

// tokenExchangeRequest is the OAuth refresh grant wire form.
type tokenExchangeRequest struct {
	RefreshToken string `json:"refresh_token"`
	GrantType    string `json:"grant_type"`
}

// RefreshAccessToken exchanges a refresh token for a short-lived
// access token. The response must yield an access token and an
// absolute expiry; when the server omits expires_at, the expiry is
// recovered from the access token's JWT exp claim. When the server
// omits a rotated refresh token, the caller continues presenting the
// original.
//
// Exchange rejections (4xx) are classified KindTokenExchange — a bad
// refresh token will not succeed on retry. Transient failures (5xx,
// rate limits, transport) keep their retryable kinds so the retry
// executor can re-attempt the exchange.
func (client *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, apierr.New(apierr.KindInvalidInput, "refresh token is required")
	}

	var token TokenResponse
	err := client.do(ctx, http.MethodPost, tokenExchangePath, nil, tokenExchangeRequest{
		RefreshToken: refreshToken,
		GrantType:    "refresh_token",
	}, &token)
	if err != nil {
		return nil, asTokenExchangeError(err)
	}

	if token.AccessToken == "" {
		return nil, apierr.New(apierr.KindTokenExchange, "token exchange returned empty access token")
	}

	if token.ExpiresAt == 0 {
		expiresAt, ok := expiryFromJWT(token.AccessToken)
		if !ok {
			return nil, apierr.New(apierr.KindTokenExchange, "token exchange response missing expires_at")
		}
		token.ExpiresAt = expiresAt
	}

	client.logger.Debug("access token exchanged", "expires_at", token.ExpiresAt)
	return &token, nil
}

// asTokenExchangeError converts permanent exchange rejections into
// KindTokenExchange while leaving transient failures retryable.
func asTokenExchangeError(err error) error {
	classified := apierr.Classify(err)
	if classified.Retryable {
		return classified
	}

	exchange := apierr.Wrap(apierr.KindTokenExchange, "token exchange failed: "+classified.Message, classified)
	exchange.StatusCode = classified.StatusCode
	exchange.Context = classified.Context
	return exchange
}

// expiryFromJWT recovers the expiry from the access token's exp claim
// without verifying the signature — the token came over TLS from the
// issuer moments ago; this is a parse, not a trust decision.
func expiryFromJWT(accessToken string) (int64, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return 0, false
	}
	expiresAt, err := token.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return 0, false
	}
	return expiresAt.Unix(), true
}
