// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package panel is the HTTP client for the VPN access panel: token
// acquisition, node list, user management operations, and per-node log
// streams.
//
// Every operation retries within a bounded budget, trying https before
// falling back to http on handshake failure, forcing a token refresh
// after a 401, and backing off with jitter between attempts. A circuit
// breaker in front of the shared HTTP door keeps a dead panel from
// absorbing the whole retry budget of every caller at once.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/connguard/internal/cache"
	"github.com/tomtom215/connguard/internal/logging"
)

// Config holds panel connection settings.
type Config struct {
	// Domain is host[:port] without scheme.
	Domain   string
	Username string
	Password string

	// Timeout bounds each API round-trip (not log streams).
	Timeout time.Duration

	// RetryAttempts is the per-operation retry budget.
	RetryAttempts int

	// Transport selects the log stream protocol: "sse" or "ws".
	Transport string
}

// Client talks to the panel API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	cache   cache.Store
}

// schemes is the connection order: https preferred, http fallback.
var schemes = []string{"https", "http"}

// New creates a panel client. The cache stores the auth token so
// restarts and concurrent components share one token per panel.
func New(cfg Config, cacheStore cache.Store) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}

	// Panels are routinely deployed with self-signed certificates.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}

	settings := gobreaker.Settings{
		Name:    "panel-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Panel circuit breaker state change")
		},
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		cache:   cacheStore,
	}
}

// apiError carries an HTTP status for taxonomy mapping.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("panel: http %d: %s", e.status, e.body)
}

// do performs one request against the panel with scheme fallback,
// reading the full body. A nil out skips decoding.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("panel: encode request: %w", err)
		}
	}

	var lastErr error
	for _, scheme := range schemes {
		url := fmt.Sprintf("%s://%s%s", scheme, c.cfg.Domain, path)
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("panel: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		token, err := c.token(ctx, false)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.http.Do(req)
		})
		if err != nil {
			lastErr = err
			continue // next scheme
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 400 {
			lastErr = &apiError{status: resp.StatusCode, body: truncate(string(data), 200)}
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				c.invalidateToken(ctx)
				return fmt.Errorf("%w: %s %s", ErrAuthExpired, method, path)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s %s", ErrUserNotFound, method, path)
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("panel: decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, lastErr)
}

// doWithRetry wraps do with the bounded retry budget. A 401 forces a
// token refresh before the next attempt; not-found is authoritative and
// never retried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if _, err := c.token(ctx, errors.Is(lastErr, ErrAuthExpired)); err != nil {
				lastErr = err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}

		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrAuthFailed) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("panel: %s %s failed after %d attempts: %w", method, path, c.cfg.RetryAttempts, lastErr)
}

// retryDelay returns the jittered sleep before the given attempt,
// capped at 30s. Overridable in tests.
var retryDelay = func(attempt int) time.Duration {
	base := time.Duration(2+rand.Intn(4)) * time.Second //nolint:gosec // jitter, not crypto
	d := base * time.Duration(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// baseURL returns the panel URL for the given scheme.
func (c *Client) baseURL(scheme string) string {
	return fmt.Sprintf("%s://%s", scheme, strings.TrimSuffix(c.cfg.Domain, "/"))
}
