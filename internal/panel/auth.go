// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/connguard/internal/cache"
	"github.com/tomtom215/connguard/internal/logging"
)

// fallbackTokenTTL is used when the token carries no readable expiry.
const fallbackTokenTTL = 30 * time.Minute

// tokenRefreshMargin is subtracted from the token expiry so we refresh
// before the panel starts rejecting requests.
const tokenRefreshMargin = 60 * time.Second

func (c *Client) tokenCacheKey() string {
	return cache.GenerateKey("panel:token", c.cfg.Domain)
}

// token returns a bearer token for the panel, from cache when possible.
// forceRefresh discards any cached token first, used after a 401.
func (c *Client) token(ctx context.Context, forceRefresh bool) (string, error) {
	key := c.tokenCacheKey()

	if forceRefresh {
		c.cache.Delete(ctx, key)
	} else if raw, ok := c.cache.Get(ctx, key); ok {
		return string(raw), nil
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.cache.Set(ctx, key, []byte(token), tokenTTL(token))
	return token, nil
}

// invalidateToken drops the cached token after the panel rejected it.
func (c *Client) invalidateToken(ctx context.Context) {
	c.cache.Delete(ctx, c.tokenCacheKey())
}

// fetchToken acquires a fresh token from POST /api/admin/token.
// Credentials rejected with a 4xx map to ErrAuthFailed; connection
// failures on both schemes map to ErrUnreachable.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
	}

	var lastErr error
	for _, scheme := range schemes {
		endpoint := c.baseURL(scheme) + "/api/admin/token"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("panel: build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.http.Do(req)
		})
		if err != nil {
			lastErr = err
			continue
		}

		var payload struct {
			AccessToken string `json:"access_token"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		_ = resp.Body.Close()

		if resp.StatusCode >= 400 {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return "", fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
			}
			lastErr = &apiError{status: resp.StatusCode}
			continue
		}
		if decodeErr != nil {
			lastErr = fmt.Errorf("panel: decode token response: %w", decodeErr)
			continue
		}
		if payload.AccessToken == "" {
			lastErr = fmt.Errorf("panel: token response missing access_token")
			continue
		}

		logging.Debug().Str("domain", c.cfg.Domain).Msg("Fetched new panel token")
		return payload.AccessToken, nil
	}

	return "", fmt.Errorf("%w: token acquisition: %v", ErrUnreachable, lastErr)
}

// tokenTTL derives the cache TTL from the token's exp claim, with a
// safety margin. Unreadable tokens get the conservative fallback.
func tokenTTL(token string) time.Duration {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fallbackTokenTTL
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallbackTokenTTL
	}

	ttl := time.Until(exp.Time) - tokenRefreshMargin
	if ttl <= 0 {
		return fallbackTokenTTL
	}
	return ttl
}
