// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBasicOperations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1 * time.Minute)
	defer m.Close()

	m.Set(ctx, "key1", []byte("value1"), 0)
	value, exists := m.Get(ctx, "key1")
	if !exists {
		t.Error("Expected key1 to exist")
	}
	if string(value) != "value1" {
		t.Errorf("Expected value1, got %s", value)
	}

	_, exists = m.Get(ctx, "key2")
	if exists {
		t.Error("Expected key2 to not exist")
	}
}

func TestMemoryExpiration(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100 * time.Millisecond)
	defer m.Close()

	m.Set(ctx, "key1", []byte("value1"), 0)

	_, exists := m.Get(ctx, "key1")
	if !exists {
		t.Error("Expected key1 to exist immediately after set")
	}

	time.Sleep(150 * time.Millisecond)

	_, exists = m.Get(ctx, "key1")
	if exists {
		t.Error("Expected key1 to be expired")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1 * time.Minute)
	defer m.Close()

	m.Set(ctx, "key1", []byte("value1"), 0)
	m.Delete(ctx, "key1")

	_, exists := m.Get(ctx, "key1")
	if exists {
		t.Error("Expected key1 to be deleted")
	}
}

func TestMemoryPerEntryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1 * time.Minute)
	defer m.Close()

	m.Set(ctx, "short", []byte("v"), 50*time.Millisecond)
	m.Set(ctx, "long", []byte("v"), 1*time.Minute)

	time.Sleep(80 * time.Millisecond)

	if _, exists := m.Get(ctx, "short"); exists {
		t.Error("Expected short-TTL entry to be expired")
	}
	if _, exists := m.Get(ctx, "long"); !exists {
		t.Error("Expected long-TTL entry to survive")
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1 * time.Minute)
	defer m.Close()

	m.Set(ctx, "key1", []byte("value1"), 0)
	m.Get(ctx, "key1")
	m.Get(ctx, "missing")

	stats := m.Stats()
	if stats.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.TotalKeys != 1 {
		t.Errorf("Expected 1 key, got %d", stats.TotalKeys)
	}
}

func TestGenerateKeyDeterministic(t *testing.T) {
	type params struct {
		User string
		N    int
	}

	k1 := GenerateKey("lookup", params{"alice", 3})
	k2 := GenerateKey("lookup", params{"alice", 3})
	k3 := GenerateKey("lookup", params{"bob", 3})

	if k1 != k2 {
		t.Errorf("Expected identical keys for equal params: %s vs %s", k1, k2)
	}
	if k1 == k3 {
		t.Error("Expected different keys for different params")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1 * time.Minute)
	defer m.Close()

	type payload struct {
		Name   string `json:"name"`
		Groups []int  `json:"groups"`
	}

	SetJSON(ctx, m, "user", payload{Name: "alice", Groups: []int{1, 3}}, 0)

	var got payload
	if !GetJSON(ctx, m, "user", &got) {
		t.Fatal("Expected JSON entry to be present")
	}
	if got.Name != "alice" || len(got.Groups) != 2 {
		t.Errorf("Unexpected payload: %+v", got)
	}
}

// failingStore simulates an unreachable remote backend.
type failingStore struct{ sets int }

func (f *failingStore) Get(context.Context, string) ([]byte, bool)                 { return nil, false }
func (f *failingStore) Set(_ context.Context, _ string, _ []byte, _ time.Duration) { f.sets++ }
func (f *failingStore) Delete(context.Context, string)                             {}
func (f *failingStore) Stats() Stats                                               { return Stats{} }
func (f *failingStore) Close() error                                               { return nil }

func TestTieredFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	remote := &failingStore{}
	local := NewMemory(1 * time.Minute)
	tiered := NewTiered(remote, local)
	defer tiered.Close()

	tiered.Set(ctx, "key1", []byte("value1"), 0)

	// Remote always misses; the local layer must serve the value.
	value, exists := tiered.Get(ctx, "key1")
	if !exists {
		t.Fatal("Expected local fallback to serve key1")
	}
	if string(value) != "value1" {
		t.Errorf("Expected value1, got %s", value)
	}
	if remote.sets == 0 {
		t.Error("Expected writes to reach the remote layer")
	}
}

func TestTieredRemoteHitRefreshesLocal(t *testing.T) {
	ctx := context.Background()
	remote := NewMemory(1 * time.Minute)
	local := NewMemory(1 * time.Minute)
	tiered := NewTiered(remote, local)
	defer tiered.Close()

	// Entry exists only remotely, as after a local restart.
	remote.Set(ctx, "key1", []byte("value1"), 0)

	if _, exists := tiered.Get(ctx, "key1"); !exists {
		t.Fatal("Expected remote hit")
	}
	if _, exists := local.Get(ctx, "key1"); !exists {
		t.Error("Expected remote hit to refresh the local layer")
	}
}
