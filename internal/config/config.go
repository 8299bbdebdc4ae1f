// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package config loads and validates the engine configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variable overrides. A file watcher delivers re-validated
// snapshots for live reconfiguration without restart.
package config

import (
	"time"
)

// Config is the root configuration for the enforcement engine.
type Config struct {
	Panel      PanelConfig      `koanf:"panel"`
	Limits     LimitsConfig     `koanf:"limits"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Punishment PunishmentConfig `koanf:"punishment"`
	Nodes      NodesConfig      `koanf:"nodes"`
	Cache      CacheConfig      `koanf:"cache"`
	Store      StoreConfig      `koanf:"store"`
	API        APIConfig        `koanf:"api"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// PanelConfig describes the access panel the engine enforces against.
type PanelConfig struct {
	// Domain is host[:port] of the panel, without scheme. Requests try
	// https first and fall back to http when the TLS handshake fails.
	Domain   string `koanf:"domain" validate:"required"`
	Username string `koanf:"username" validate:"required"`
	Password string `koanf:"password" validate:"required"`

	// Timeout bounds each panel API round-trip.
	Timeout time.Duration `koanf:"timeout"`

	// RetryAttempts is the bounded retry budget per operation.
	RetryAttempts int `koanf:"retry_attempts" validate:"gte=1,lte=10"`

	// DisableMethod selects the enforcement policy: "status" sets the
	// user status, "group" demotes the user to DisabledGroupID and
	// restores the saved membership on enable.
	DisableMethod   string `koanf:"disable_method" validate:"oneof=status group"`
	DisabledGroupID int    `koanf:"disabled_group_id"`
}

// LimitsConfig holds the concurrent-IP limits and exception list.
type LimitsConfig struct {
	// General is the default concurrent-IP limit per user. Zero is a
	// configuration error, not "unlimited".
	General int `koanf:"general" validate:"gte=1"`

	// Special maps usernames to per-user limit overrides.
	Special map[string]int `koanf:"special"`

	// Except lists users that are never evaluated.
	Except []string `koanf:"except"`

	// CountryFilter restricts counting to connections resolved to this
	// ISO country code. Empty disables geographic filtering.
	CountryFilter string `koanf:"country_filter"`

	// CountUnknown keeps events whose country lookup failed when a
	// filter is active.
	CountUnknown bool `koanf:"count_unknown"`
}

// MonitoringConfig holds the evaluation timing knobs.
type MonitoringConfig struct {
	// CheckInterval is the evaluation tick period.
	CheckInterval time.Duration `koanf:"check_interval"`

	// Window is the trailing observation window for distinct-IP counts.
	Window time.Duration `koanf:"window"`

	// WarningGrace is how long an over-limit condition must persist
	// before a warned user is disabled. Zero disables immediately.
	WarningGrace time.Duration `koanf:"warning_grace"`

	// TimeToActive is the base automatic re-enable timeout.
	TimeToActive time.Duration `koanf:"time_to_active"`
}

// Punishment step actions.
const (
	ActionWarning = "warning"
	ActionDisable = "disable"
)

// PunishmentStep is one rung of the escalation ladder.
type PunishmentStep struct {
	// Action is "warning" or "disable".
	Action string `koanf:"action" validate:"oneof=warning disable"`

	// DurationMinutes is the disable duration; zero on a disable step
	// means permanent (manual enable only). Ignored for warnings.
	DurationMinutes int `koanf:"duration_minutes" validate:"gte=0"`
}

// PunishmentConfig configures escalation for repeat offenders.
type PunishmentConfig struct {
	Enabled bool `koanf:"enabled"`

	// Steps is the escalation ladder indexed by prior violation count.
	// Users past the last step stay on it.
	Steps []PunishmentStep `koanf:"steps" validate:"dive"`

	// ViolationWindow is how far back violations count toward the step
	// index. Older violations age out.
	ViolationWindow time.Duration `koanf:"violation_window"`
}

// NodesConfig controls stream ingestion from panel nodes.
type NodesConfig struct {
	// Transport selects the log stream protocol: "sse" or "ws".
	Transport string `koanf:"transport" validate:"oneof=sse ws"`

	// RefreshInterval is how often the node list is re-fetched to pick
	// up new and removed nodes.
	RefreshInterval time.Duration `koanf:"refresh_interval"`

	// FullResyncInterval forces a full reconnect of all streams.
	FullResyncInterval time.Duration `koanf:"full_resync_interval"`

	// EventBuffer is the capacity of the shared event channel.
	EventBuffer int `koanf:"event_buffer" validate:"gte=1"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	// Backend is "memory", "redis" or "tiered" (redis over memory).
	Backend string        `koanf:"backend" validate:"oneof=memory redis tiered"`
	TTL     time.Duration `koanf:"ttl"`

	Redis RedisConfig `koanf:"redis"`
}

// RedisConfig holds Redis connection settings for the redis and tiered
// cache backends.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// StoreConfig holds durable state settings.
type StoreConfig struct {
	// Path is the badger database directory.
	Path string `koanf:"path" validate:"required"`
}

// APIConfig configures the local administrative HTTP facade.
type APIConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"gte=0,lte=65535"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Panel: PanelConfig{
			Domain:        "",
			Username:      "",
			Password:      "",
			Timeout:       5 * time.Second,
			RetryAttempts: 5,
			DisableMethod: "status",
		},
		Limits: LimitsConfig{
			General:       2,
			Special:       map[string]int{},
			Except:        []string{},
			CountryFilter: "",
			CountUnknown:  true,
		},
		Monitoring: MonitoringConfig{
			CheckInterval: 60 * time.Second,
			Window:        60 * time.Second,
			WarningGrace:  0,
			TimeToActive:  30 * time.Minute,
		},
		Punishment: PunishmentConfig{
			Enabled: true,
			Steps: []PunishmentStep{
				{Action: "warning", DurationMinutes: 0},
				{Action: "disable", DurationMinutes: 10},
				{Action: "disable", DurationMinutes: 30},
				{Action: "disable", DurationMinutes: 60},
				{Action: "disable", DurationMinutes: 0}, // permanent
			},
			ViolationWindow: 168 * time.Hour,
		},
		Nodes: NodesConfig{
			Transport:          "sse",
			RefreshInterval:    2 * time.Minute,
			FullResyncInterval: 2 * time.Hour,
			EventBuffer:        1024,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
		},
		Store: StoreConfig{
			Path: "/data/connguard",
		},
		API: APIConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8787,
			RateLimitReqs:   100,
			RateLimitWindow: 1 * time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
