// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package engine owns all per-user tracking state and drives the
// warning and punishment state machine. A single goroutine applies
// every mutation; external callers interact through snapshot reads and
// command round-trips, and enforcement runs asynchronously so a slow
// panel never stalls event ingestion.
package engine

import (
	"time"

	"github.com/tomtom215/connguard/internal/store"
	"github.com/tomtom215/connguard/internal/track"
)

// Status is a user's position in the enforcement state machine.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusDisabled Status = "disabled"
)

// userState is owned exclusively by the engine goroutine.
type userState struct {
	name         string
	window       *track.Window
	specialLimit int
	excepted     bool

	status       Status
	warningSince time.Time
	disabledAt   time.Time
	// enableAt is zero while disabled for a permanent disable.
	enableAt   time.Time
	violations []time.Time

	// pending is set while an enforcement action is in flight, so a
	// user never has two actions racing.
	pending bool
}

func newUserState(name string) *userState {
	return &userState{name: name, window: track.NewWindow(), status: StatusNormal}
}

func fromRecord(rec store.UserRecord) *userState {
	us := newUserState(rec.Username)
	us.specialLimit = rec.SpecialLimit
	us.excepted = rec.Excepted
	us.violations = rec.Violations
	if rec.Disabled {
		us.status = StatusDisabled
		us.disabledAt = rec.DisabledAt
		us.enableAt = rec.EnableAt
	}
	return us
}

func (us *userState) record() store.UserRecord {
	return store.UserRecord{
		Username:     us.name,
		SpecialLimit: us.specialLimit,
		Excepted:     us.excepted,
		Disabled:     us.status == StatusDisabled,
		DisabledAt:   us.disabledAt,
		EnableAt:     us.enableAt,
		Violations:   us.violations,
	}
}

// pruneViolations drops violations that have aged out of the window
// used for escalation-step selection.
func (us *userState) pruneViolations(now time.Time, window time.Duration) {
	if window <= 0 || len(us.violations) == 0 {
		return
	}
	cutoff := now.Add(-window)
	kept := us.violations[:0]
	for _, t := range us.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	us.violations = kept
}

// UserSnapshot is a read-only copy of a user's state.
type UserSnapshot struct {
	Username     string     `json:"username"`
	Status       Status     `json:"status"`
	IPCount      int        `json:"ip_count"`
	IPs          []string   `json:"ips,omitempty"`
	Limit        int        `json:"limit"`
	SpecialLimit int        `json:"special_limit,omitempty"`
	Excepted     bool       `json:"excepted"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	EnableAt     *time.Time `json:"enable_at,omitempty"`
	Violations   int        `json:"violations"`
}

func (e *Engine) snapshotUser(us *userState, now time.Time) UserSnapshot {
	cfg := e.cfg.Load()
	snap := UserSnapshot{
		Username:     us.name,
		Status:       us.status,
		IPCount:      us.window.Count(now, cfg.Monitoring.Window),
		IPs:          us.window.IPs(),
		Limit:        e.effectiveLimit(us),
		SpecialLimit: us.specialLimit,
		Excepted:     us.excepted || cfg.IsExcepted(us.name),
		Violations:   len(us.violations),
	}
	if !us.disabledAt.IsZero() {
		t := us.disabledAt
		snap.DisabledAt = &t
	}
	if !us.enableAt.IsZero() {
		t := us.enableAt
		snap.EnableAt = &t
	}
	return snap
}
