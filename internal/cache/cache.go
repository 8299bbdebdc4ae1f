// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package cache provides the key/value store with TTL used across the
// engine for panel tokens, node lists, geo lookups and dynamic limits.
//
// Backends are selected at startup: an in-memory store, a Redis-backed
// store, or a tiered store that layers Redis over memory and degrades to
// the local layer per call when Redis is unreachable. A backend failure
// never fails the caller; the worst outcome of any call is a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Store is the capability interface shared by all cache backends.
//
// Get reports a miss rather than an error when a backend is unavailable,
// so callers fall through to their authoritative source without special
// handling.
type Store interface {
	// Get retrieves the value for key, reporting whether it was present
	// and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key for the given TTL. A zero TTL uses the
	// backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string)

	// Stats returns a snapshot of hit/miss/eviction counters.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}

// Stats tracks cache performance counters. Values are cumulative since
// the backend was created.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	TotalKeys   int64
	LastCleanup time.Time
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

// GenerateKey creates a cache key from a method name and its parameters.
// Parameters are serialized and hashed so structurally equal calls map to
// the same compact key.
func GenerateKey(method string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Fallback to simple string key
		return fmt.Sprintf("%s:%v", method, params)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", method, hash[:16])
}

// GetJSON retrieves key and unmarshals it into dst. A decode failure is
// treated as a miss so a corrupt entry self-heals on the next Set.
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals v and stores it under key. Marshal failures are
// silently dropped; the entry is rebuildable on the next miss.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.Set(ctx, key, raw, ttl)
}
