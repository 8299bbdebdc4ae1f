// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package track maintains per-user rolling sets of distinct client IPs.
//
// A Window is not safe for concurrent use; the engine's single writer
// owns every instance.
package track

import (
	"sort"
	"time"
)

// Window is the set of IPs seen for one user, each with its most recent
// observation time. Stale entries are pruned lazily at read time so the
// structure needs no timer of its own.
type Window struct {
	ips map[string]time.Time
}

// NewWindow creates an empty window.
func NewWindow() *Window {
	return &Window{ips: make(map[string]time.Time)}
}

// Observe records an event for ip at the given time. The stored
// last-seen only moves forward: events arriving out of order across
// nodes never regress an IP's prune boundary.
func (w *Window) Observe(ip string, seen time.Time) {
	if current, ok := w.ips[ip]; ok && current.After(seen) {
		return
	}
	w.ips[ip] = seen
}

// Prune drops entries whose last observation is older than span before
// now and returns the number removed.
func (w *Window) Prune(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	removed := 0
	for ip, seen := range w.ips {
		if seen.Before(cutoff) {
			delete(w.ips, ip)
			removed++
		}
	}
	return removed
}

// Count prunes and returns the number of distinct IPs with at least one
// observation inside [now-span, now]. The count is exact, not an
// estimate.
func (w *Window) Count(now time.Time, span time.Duration) int {
	w.Prune(now, span)
	return len(w.ips)
}

// IPs returns the current (unpruned) IP set, sorted for stable output.
func (w *Window) IPs() []string {
	out := make([]string, 0, len(w.ips))
	for ip := range w.ips {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// LastSeen returns the recorded observation time for ip.
func (w *Window) LastSeen(ip string) (time.Time, bool) {
	seen, ok := w.ips[ip]
	return seen, ok
}

// Len returns the current size without pruning.
func (w *Window) Len() int {
	return len(w.ips)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.ips = make(map[string]time.Time)
}
