// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/connguard/internal/cache"
)

func init() {
	// No sleeping between retry attempts in tests.
	retryDelay = func(int) time.Duration { return time.Millisecond }
}

// newTestClient points a client at the given handler. The https attempt
// fails against the plain-http test server and the client falls back to
// http, which also exercises the scheme fallback path.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := cache.NewMemory(time.Minute)
	t.Cleanup(func() { store.Close() })

	client := New(Config{
		Domain:        strings.TrimPrefix(server.URL, "http://"),
		Username:      "admin",
		Password:      "secret",
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
	}, store)
	return client, server
}

// tokenHandler answers /api/admin/token and delegates everything else.
func tokenHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			if r.FormValue("username") != "admin" || r.FormValue("password") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
			return
		}
		next(w, r)
	}
}

func TestTokenAcquisitionAndCaching(t *testing.T) {
	var tokenCalls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			atomic.AddInt32(&tokenCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	ctx := context.Background()
	tok, err := client.token(ctx, false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("Expected tok-1, got %s", tok)
	}

	// Second call must hit the cache.
	if _, err := client.token(ctx, false); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("Expected 1 token fetch, got %d", n)
	}

	// Force refresh bypasses the cache.
	if _, err := client.token(ctx, true); err != nil {
		t.Fatalf("forced token: %v", err)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 2 {
		t.Errorf("Expected 2 token fetches after force refresh, got %d", n)
	}
}

func TestBadCredentialsAreAuthFailed(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.token(context.Background(), false)
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	var gotStatus string
	var gotAuth string
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/api/user/alice" {
			gotAuth = r.Header.Get("Authorization")
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotStatus = body["status"]
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := client.SetStatus(context.Background(), "alice", StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if gotStatus != "disabled" {
		t.Errorf("Expected status disabled, got %q", gotStatus)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Expected bearer token header, got %q", gotAuth)
	}
}

func TestNotFoundIsAuthoritative(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.UserDetails(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
	// Authoritative errors must not burn the retry budget.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 request for not-found, got %d", n)
	}

	exists, err := client.UserExists(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("UserExists: %v", err)
	}
	if exists {
		t.Error("Expected ghost to not exist")
	}
}

func TestUnauthorizedForcesTokenRefresh(t *testing.T) {
	var tokenCalls, apiCalls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			n := atomic.AddInt32(&tokenCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": fmt.Sprintf("tok-%d", n)})
			return
		}
		if atomic.AddInt32(&apiCalls, 1) == 1 {
			// First attempt: reject the token.
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			t.Errorf("Expected refreshed token, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.SetStatus(context.Background(), "alice", StatusActive); err != nil {
		t.Fatalf("SetStatus after 401: %v", err)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 2 {
		t.Errorf("Expected a token refresh after 401, got %d fetches", n)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	var apiCalls int32
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := client.SetStatus(context.Background(), "alice", StatusActive)
	if err == nil {
		t.Fatal("Expected failure after retry exhaustion")
	}
	if n := atomic.LoadInt32(&apiCalls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestUsersPagination(t *testing.T) {
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		offset := r.URL.Query().Get("offset")
		page := map[string]interface{}{"total": 501}
		if offset == "0" {
			users := make([]User, usersPageSize)
			for i := range users {
				users[i] = User{Username: fmt.Sprintf("user%d", i), Status: StatusActive}
			}
			page["users"] = users
		} else {
			page["users"] = []User{{Username: "last", Status: StatusActive}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))

	users, err := client.Users(context.Background())
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 501 {
		t.Errorf("Expected 501 users, got %d", len(users))
	}
}

func TestStreamLogsSSE(t *testing.T) {
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/node/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Expected SSE accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: line one\n\n")
		fmt.Fprintf(w, ": comment to ignore\n")
		fmt.Fprintf(w, "data: line two\n\n")
		flusher.Flush()
	}))

	stream, err := client.StreamLogs(context.Background(), Node{ID: 7, Name: "edge-1"})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	defer stream.Close()

	var got []string
	for line := range stream.Lines() {
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != "line one" || got[1] != "line two" {
		t.Errorf("Unexpected lines: %v", got)
	}
}

func TestStreamLogsAuthFailure(t *testing.T) {
	client, _ := newTestClient(t, tokenHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.StreamLogs(context.Background(), Node{ID: 7})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestTokenTTLFallback(t *testing.T) {
	if ttl := tokenTTL("not-a-jwt"); ttl != fallbackTokenTTL {
		t.Errorf("Expected fallback TTL for opaque token, got %v", ttl)
	}
}
