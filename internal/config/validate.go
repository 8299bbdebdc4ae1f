// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and valid.
// The engine must not start enforcing with an invalid configuration, so
// every load path (startup and hot reload) goes through here.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateMonitoring(); err != nil {
		return err
	}
	if err := c.validatePanel(); err != nil {
		return err
	}
	return c.validatePunishment()
}

// validateLimits rejects zero or negative limits. A zero limit is a
// configuration error, never "unlimited" or "block everyone".
func (c *Config) validateLimits() error {
	for user, limit := range c.Limits.Special {
		if limit < 1 {
			return fmt.Errorf("special limit for %q must be >= 1, got %d", user, limit)
		}
	}
	return nil
}

// validateMonitoring rejects non-positive durations. A zero check
// interval or window would make the evaluation ticker panic, so these
// must fail at load time, not at Serve.
func (c *Config) validateMonitoring() error {
	if c.Monitoring.CheckInterval <= 0 {
		return fmt.Errorf("monitoring.check_interval must be positive, got %s", c.Monitoring.CheckInterval)
	}
	if c.Monitoring.Window <= 0 {
		return fmt.Errorf("monitoring.window must be positive, got %s", c.Monitoring.Window)
	}
	if c.Monitoring.TimeToActive <= 0 {
		return fmt.Errorf("monitoring.time_to_active must be positive, got %s", c.Monitoring.TimeToActive)
	}
	return nil
}

// validatePanel enforces cross-field rules the struct tags cannot express.
func (c *Config) validatePanel() error {
	if c.Panel.DisableMethod == "group" && c.Panel.DisabledGroupID == 0 {
		return fmt.Errorf("panel.disabled_group_id is required when disable_method=group")
	}
	return nil
}

// validatePunishment checks the escalation ladder.
func (c *Config) validatePunishment() error {
	if !c.Punishment.Enabled {
		return nil
	}
	if len(c.Punishment.Steps) == 0 {
		return fmt.Errorf("punishment.steps must not be empty when punishment is enabled")
	}
	if c.Punishment.ViolationWindow <= 0 {
		return fmt.Errorf("punishment.violation_window must be positive")
	}

	// Disable durations must be non-decreasing so escalation never
	// shortens a repeat offender's timeout. A trailing zero means
	// permanent and is always allowed.
	last := 0
	for i, step := range c.Punishment.Steps {
		if step.Action != "disable" {
			continue
		}
		if step.DurationMinutes == 0 {
			if i != len(c.Punishment.Steps)-1 {
				return fmt.Errorf("permanent disable (duration 0) must be the last punishment step")
			}
			continue
		}
		if step.DurationMinutes < last {
			return fmt.Errorf("punishment step %d duration %dm is shorter than the previous step", i, step.DurationMinutes)
		}
		last = step.DurationMinutes
	}
	return nil
}

// EffectiveLimit returns the limit that applies to user: the special
// override when present, else the general default.
func (c *Config) EffectiveLimit(user string) int {
	if limit, ok := c.Limits.Special[user]; ok {
		return limit
	}
	return c.Limits.General
}

// IsExcepted reports whether user is on the exception list.
func (c *Config) IsExcepted(user string) bool {
	for _, u := range c.Limits.Except {
		if u == user {
			return true
		}
	}
	return false
}
