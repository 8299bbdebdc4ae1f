// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/connguard/internal/cache"
)

// newTestResolver points the chain at local test servers.
func newTestResolver(t *testing.T, handlers ...http.HandlerFunc) *Resolver {
	t.Helper()

	store := cache.NewMemory(time.Minute)
	t.Cleanup(func() { store.Close() })

	r := NewResolver(store)
	r.endpoints = nil
	for i, h := range handlers {
		server := httptest.NewServer(h)
		t.Cleanup(server.Close)
		url := server.URL
		name := []string{"primary", "secondary", "tertiary"}[i]
		r.endpoints = append(r.endpoints, endpoint{
			name:   name,
			urlFor: func(ip string) string { return url + "/" + ip },
		})
	}
	return r
}

func TestCountryLookupAndCache(t *testing.T) {
	var calls int32
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte("DE"))
	})

	ctx := context.Background()
	if got := r.Country(ctx, "203.0.113.7"); got != "DE" {
		t.Fatalf("Expected DE, got %s", got)
	}
	// Second lookup must come from cache.
	if got := r.Country(ctx, "203.0.113.7"); got != "DE" {
		t.Fatalf("Expected cached DE, got %s", got)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 upstream call, got %d", n)
	}
}

func TestCountryFallbackChain(t *testing.T) {
	r := newTestResolver(t,
		func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte("NL"))
		},
	)

	if got := r.Country(context.Background(), "203.0.113.8"); got != "NL" {
		t.Errorf("Expected fallback NL, got %s", got)
	}

	// The failing primary must now be deprioritized.
	ordered := r.ordered()
	if ordered[0].name != "secondary" {
		t.Errorf("Expected secondary endpoint first after primary failure, got %s", ordered[0].name)
	}
}

func TestCountryAllEndpointsFail(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if got := r.Country(context.Background(), "203.0.113.9"); got != CountryUnknown {
		t.Errorf("Expected unknown, got %s", got)
	}
}

func TestInvalidCountryRejected(t *testing.T) {
	r := newTestResolver(t,
		func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte("error: not found"))
		},
		func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte("fr"))
		},
	)

	// Non-2-letter body is not a country; the chain moves on. Lowercase
	// codes are normalized.
	if got := r.Country(context.Background(), "203.0.113.10"); got != "FR" {
		t.Errorf("Expected FR, got %s", got)
	}
}

func TestRateLimitScoresWorseThanFailure(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_ = r.Country(context.Background(), "203.0.113.11")
	r.mu.Lock()
	score := r.failures["primary"]
	r.mu.Unlock()
	if score != 3 {
		t.Errorf("Expected 429 to score 3 failures, got %d", score)
	}
}
