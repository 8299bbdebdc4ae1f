// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package cache

import (
	"context"
	"time"
)

// Tiered layers a remote Store over a local one. Reads try the remote
// first and fall back to the local copy when the remote misses or is
// down; writes go to both. The degradation is per call, so a Redis
// outage narrows the cache to the local layer without any mode switch.
type Tiered struct {
	remote Store
	local  Store
}

// NewTiered wraps remote over local.
func NewTiered(remote, local Store) *Tiered {
	return &Tiered{remote: remote, local: local}
}

// Get tries the remote layer first, then the local one. A remote hit
// refreshes the local copy so subsequent outages still serve it.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := t.remote.Get(ctx, key); ok {
		t.local.Set(ctx, key, data, 0)
		return data, true
	}
	return t.local.Get(ctx, key)
}

// Set writes to both layers.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	t.remote.Set(ctx, key, value, ttl)
	t.local.Set(ctx, key, value, ttl)
}

// Delete removes key from both layers.
func (t *Tiered) Delete(ctx context.Context, key string) {
	t.remote.Delete(ctx, key)
	t.local.Delete(ctx, key)
}

// Stats merges the counters of both layers.
func (t *Tiered) Stats() Stats {
	r, l := t.remote.Stats(), t.local.Stats()
	return Stats{
		Hits:        r.Hits + l.Hits,
		Misses:      r.Misses + l.Misses,
		Evictions:   r.Evictions + l.Evictions,
		TotalKeys:   l.TotalKeys,
		LastCleanup: l.LastCleanup,
	}
}

// Close closes both layers, returning the first error.
func (t *Tiered) Close() error {
	rErr := t.remote.Close()
	lErr := t.local.Close()
	if rErr != nil {
		return rErr
	}
	return lErr
}
