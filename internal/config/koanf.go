// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/connguard/config.yaml",
	"/etc/connguard/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML config file (if exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > File > Defaults. The result is validated before it
// is returned; a config that fails validation never reaches the engine.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile loads configuration using the given config file path. An
// empty path skips the file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// CONNGUARD_PANEL_DOMAIN -> panel.domain, GENERAL_LIMIT -> limits.general
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"limits.except",
	"api.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - PANEL_DOMAIN -> panel.domain
//   - GENERAL_LIMIT -> limits.general
//   - CHECK_INTERVAL -> monitoring.check_interval
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	key = strings.TrimPrefix(key, "connguard_")

	envMappings := map[string]string{
		// Panel mappings
		"panel_domain":      "panel.domain",
		"panel_username":    "panel.username",
		"panel_password":    "panel.password",
		"panel_timeout":     "panel.timeout",
		"panel_retries":     "panel.retry_attempts",
		"disable_method":    "panel.disable_method",
		"disabled_group_id": "panel.disabled_group_id",

		// Limit mappings
		"general_limit":  "limits.general",
		"except_users":   "limits.except",
		"country_filter": "limits.country_filter",
		"count_unknown":  "limits.count_unknown",

		// Monitoring mappings
		"check_interval": "monitoring.check_interval",
		"window":         "monitoring.window",
		"warning_grace":  "monitoring.warning_grace",
		"time_to_active": "monitoring.time_to_active",

		// Punishment mappings
		"punishment_enabled": "punishment.enabled",
		"violation_window":   "punishment.violation_window",

		// Node stream mappings
		"node_transport":    "nodes.transport",
		"node_refresh":      "nodes.refresh_interval",
		"node_full_resync":  "nodes.full_resync_interval",
		"node_event_buffer": "nodes.event_buffer",

		// Cache mappings
		"cache_backend":  "cache.backend",
		"cache_ttl":      "cache.ttl",
		"redis_addr":     "cache.redis.addr",
		"redis_password": "cache.redis.password",
		"redis_db":       "cache.redis.db",

		// Store mappings
		"store_path": "store.path",

		// API mappings
		"api_enabled":           "api.enabled",
		"api_host":              "api.host",
		"api_port":              "api.port",
		"api_rate_limit":        "api.rate_limit_reqs",
		"api_rate_limit_window": "api.rate_limit_window",
		"cors_origins":          "api.cors_origins",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// For unmapped keys, return empty string to skip them.
	// This prevents random environment variables from polluting config.
	return ""
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// The callback receives nothing and should call Load itself so that a
// reload that fails validation leaves the previous snapshot in place.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}

// FindConfigFile exposes the config file search for main().
func FindConfigFile() string {
	return findConfigFile()
}
