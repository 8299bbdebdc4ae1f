// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package cache

import (
	"context"
	"sync"
	"time"
)

// entry represents a cached item with expiration.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is a thread-safe in-memory Store with TTL support.
//
// Expired entries are removed lazily on Get and swept by a background
// cleanup goroutine every cleanupInterval. Lookups are O(1).
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	statsMu sync.Mutex
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

const cleanupInterval = 5 * time.Minute

// NewMemory creates an in-memory cache with the given default TTL and
// starts its background cleanup goroutine.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		stats:   Stats{LastCleanup: time.Now()},
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get retrieves a value by key, deleting and reporting a miss for
// expired entries.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, exists := m.entries[key]
	m.mu.RUnlock()

	if !exists {
		m.recordMiss()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		m.recordMiss()
		m.recordEviction()
		return nil, false
	}

	m.recordHit()
	return e.data, true
}

// Set stores value under key. A zero TTL uses the default configured at
// creation. An existing entry with the same key is overwritten.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	m.mu.Lock()
	m.entries[key] = entry{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	total := int64(len(m.entries))
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.TotalKeys = total
	m.statsMu.Unlock()
}

// Delete removes a cache entry by key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	m.recordEviction()
}

// Clear removes all entries in a single atomic operation.
func (m *Memory) Clear() {
	m.mu.Lock()
	evictions := int64(len(m.entries))
	m.entries = make(map[string]entry)
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Evictions += evictions
	m.stats.TotalKeys = 0
	m.statsMu.Unlock()
}

// Stats returns a copy of the current counters, safe to read without
// holding locks.
func (m *Memory) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Close stops the background cleanup goroutine.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// cleanupLoop periodically removes expired entries.
func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

// cleanup removes all expired entries.
func (m *Memory) cleanup() {
	now := time.Now()
	m.mu.Lock()
	evictions := int64(0)
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			evictions++
		}
	}
	total := int64(len(m.entries))
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Evictions += evictions
	m.stats.TotalKeys = total
	m.stats.LastCleanup = now
	m.statsMu.Unlock()
}

func (m *Memory) recordHit() {
	m.statsMu.Lock()
	m.stats.Hits++
	m.statsMu.Unlock()
}

func (m *Memory) recordMiss() {
	m.statsMu.Lock()
	m.stats.Misses++
	m.statsMu.Unlock()
}

func (m *Memory) recordEviction() {
	m.statsMu.Lock()
	m.stats.Evictions++
	m.statsMu.Unlock()
}
