// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package enforce turns disable and enable decisions into panel API
// calls. Two policies are supported: flipping the user status, or
// demoting the user into a restricted group while backing up the
// original membership for restore on enable.
package enforce

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/metrics"
	"github.com/tomtom215/connguard/internal/panel"
)

// Disable methods.
const (
	MethodStatus = "status"
	MethodGroup  = "group"
)

// Panel is the subset of the panel client the actuator drives. The
// client already retries transient failures internally.
type Panel interface {
	UserDetails(ctx context.Context, username string) (panel.User, error)
	SetStatus(ctx context.Context, username, status string) error
	SetGroups(ctx context.Context, username string, groupIDs []int) error
	Users(ctx context.Context) ([]panel.User, error)
}

// GroupStore persists group membership backups across restarts.
type GroupStore interface {
	SaveGroups(username string, groupIDs []int) error
	LoadGroups(username string) ([]int, bool, error)
	DeleteGroups(username string) error
}

// Config selects the enforcement policy.
type Config struct {
	Method          string
	DisabledGroupID int
}

// Actuator performs disable and enable actions against the panel.
// The method can be swapped at runtime.
type Actuator struct {
	panel Panel
	store GroupStore

	mu  sync.RWMutex
	cfg Config
}

// New creates an actuator. cfg.Method defaults to MethodStatus.
func New(cfg Config, p Panel, store GroupStore) *Actuator {
	if cfg.Method == "" {
		cfg.Method = MethodStatus
	}
	return &Actuator{panel: p, store: store, cfg: cfg}
}

// SetMethod switches the enforcement policy for subsequent actions.
// Users disabled under the group method keep their backup, so a later
// enable still restores membership regardless of the active method.
func (a *Actuator) SetMethod(method string, disabledGroupID int) error {
	if method != MethodStatus && method != MethodGroup {
		return fmt.Errorf("unknown disable method %q", method)
	}
	a.mu.Lock()
	a.cfg = Config{Method: method, DisabledGroupID: disabledGroupID}
	a.mu.Unlock()

	logging.Info().Str("method", method).Msg("Disable method changed")
	return nil
}

func (a *Actuator) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Disable blocks the user on the panel. Disabling an already-disabled
// user succeeds without issuing a write.
func (a *Actuator) Disable(ctx context.Context, username string) error {
	cfg := a.config()
	actionID := uuid.NewString()
	log := logging.With().
		Str("action_id", actionID).
		Str("user", username).
		Str("method", cfg.Method).
		Logger()

	details, err := a.panel.UserDetails(ctx, username)
	if err != nil {
		metrics.EnforcementActions.WithLabelValues("disable", "failed").Inc()
		return fmt.Errorf("disable %s: %w", username, err)
	}

	if details.Status == panel.StatusDisabled {
		log.Debug().Msg("User already disabled, skipping")
		metrics.EnforcementActions.WithLabelValues("disable", "skipped").Inc()
		return nil
	}

	if cfg.Method == MethodGroup {
		alreadyMoved := len(details.GroupIDs) == 1 && details.GroupIDs[0] == cfg.DisabledGroupID
		if !alreadyMoved {
			// Back up membership before touching it so a crash between
			// the two writes still leaves enough to restore from.
			if err := a.store.SaveGroups(username, details.GroupIDs); err != nil {
				metrics.EnforcementActions.WithLabelValues("disable", "failed").Inc()
				return fmt.Errorf("disable %s: backup groups: %w", username, err)
			}
			if err := a.panel.SetGroups(ctx, username, []int{cfg.DisabledGroupID}); err != nil {
				metrics.EnforcementActions.WithLabelValues("disable", "failed").Inc()
				return fmt.Errorf("disable %s: move to restricted group: %w", username, err)
			}
		}
	}

	if err := a.panel.SetStatus(ctx, username, panel.StatusDisabled); err != nil {
		metrics.EnforcementActions.WithLabelValues("disable", "failed").Inc()
		return fmt.Errorf("disable %s: %w", username, err)
	}

	log.Info().Msg("User disabled")
	metrics.EnforcementActions.WithLabelValues("disable", "ok").Inc()
	return nil
}

// Enable unblocks the user, restoring any saved group membership.
// Enabling an already-active user succeeds without issuing a write.
func (a *Actuator) Enable(ctx context.Context, username string) error {
	actionID := uuid.NewString()
	log := logging.With().
		Str("action_id", actionID).
		Str("user", username).
		Logger()

	details, err := a.panel.UserDetails(ctx, username)
	if err != nil {
		metrics.EnforcementActions.WithLabelValues("enable", "failed").Inc()
		return fmt.Errorf("enable %s: %w", username, err)
	}

	groups, hasBackup, err := a.store.LoadGroups(username)
	if err != nil {
		metrics.EnforcementActions.WithLabelValues("enable", "failed").Inc()
		return fmt.Errorf("enable %s: load group backup: %w", username, err)
	}

	if details.Status == panel.StatusActive && !hasBackup {
		log.Debug().Msg("User already active, skipping")
		metrics.EnforcementActions.WithLabelValues("enable", "skipped").Inc()
		return nil
	}

	if hasBackup {
		if err := a.panel.SetGroups(ctx, username, groups); err != nil {
			metrics.EnforcementActions.WithLabelValues("enable", "failed").Inc()
			return fmt.Errorf("enable %s: restore groups: %w", username, err)
		}
	}

	if details.Status != panel.StatusActive {
		if err := a.panel.SetStatus(ctx, username, panel.StatusActive); err != nil {
			metrics.EnforcementActions.WithLabelValues("enable", "failed").Inc()
			return fmt.Errorf("enable %s: %w", username, err)
		}
	}

	// Clear the backup only after the panel confirmed both writes.
	if hasBackup {
		if err := a.store.DeleteGroups(username); err != nil {
			log.Warn().Err(err).Msg("Failed to clear group backup")
		}
	}

	log.Info().Bool("groups_restored", hasBackup).Msg("User enabled")
	metrics.EnforcementActions.WithLabelValues("enable", "ok").Inc()
	return nil
}

// Cleanup safety limits: never drop state when the panel looks wrong.
const (
	cleanupMinMissing  = 5
	cleanupMaxFraction = 0.5
)

// MissingUsers returns the tracked usernames that no longer exist on
// the panel. It refuses to answer when the panel returns zero users or
// when the missing share is implausibly large, since both usually mean
// a panel-side outage rather than mass deletion.
func (a *Actuator) MissingUsers(ctx context.Context, tracked []string) ([]string, error) {
	users, err := a.panel.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: fetch panel users: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("cleanup: panel returned zero users, aborting")
	}

	present := make(map[string]struct{}, len(users))
	for _, u := range users {
		present[u.Username] = struct{}{}
	}

	var missing []string
	for _, name := range tracked {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > cleanupMinMissing &&
		float64(len(missing)) > cleanupMaxFraction*float64(len(tracked)) {
		return nil, fmt.Errorf("cleanup: %d of %d tracked users missing from panel, aborting",
			len(missing), len(tracked))
	}

	return missing, nil
}
