// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package main is the entry point for the Connguard daemon.
//
// Connguard watches the connection logs of a VPN access panel across all
// of its nodes, counts the distinct client IPs seen per user inside a
// trailing window, and enforces a per-user concurrent-IP limit with an
// escalating warn/disable ladder.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config file and
//     environment variables (Koanf v2)
//  2. Cache: memory, Redis, or tiered (Redis over memory), shared by
//     the panel token store and the country resolver
//  3. Store: BadgerDB directory for user enforcement state and group
//     membership backups
//  4. Panel client: authenticated HTTP client for the panel API with
//     circuit breaker and bounded retries
//  5. Stream manager: one log stream per panel node (SSE or WebSocket),
//     feeding the shared event channel
//  6. Engine: the evaluation loop that owns all per-user state
//  7. API server (optional): local administrative HTTP facade with
//     Prometheus metrics
//
// All long-running components run under a suture supervisor tree and
// are restarted with backoff when they fail.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CONNGUARD_ prefix)
//   - Config file (--config flag, ./config.yaml, or /etc/connguard/config.yaml)
//   - Built-in defaults
//
// The config file is watched; limit, punishment and logging changes
// apply without a restart.
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM: streams are
// closed, in-flight enforcement actions get a bounded grace period, and
// the badger store is closed last so confirmed state is never lost.
//
// # Example Usage
//
//	export CONNGUARD_PANEL_DOMAIN=panel.example.com:2053
//	export CONNGUARD_PANEL_USERNAME=admin
//	export CONNGUARD_PANEL_PASSWORD=secret
//	./connguard --config /etc/connguard/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/connguard/internal/api"
	"github.com/tomtom215/connguard/internal/cache"
	"github.com/tomtom215/connguard/internal/config"
	"github.com/tomtom215/connguard/internal/enforce"
	"github.com/tomtom215/connguard/internal/engine"
	"github.com/tomtom215/connguard/internal/geo"
	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/panel"
	"github.com/tomtom215/connguard/internal/store"
	"github.com/tomtom215/connguard/internal/stream"
	"github.com/tomtom215/connguard/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or /etc/connguard/config.yaml)")
	flag.Parse()

	// Load configuration first to get logging settings.
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Use the default logger for config errors (config not yet available).
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("panel_domain", cfg.Panel.Domain).
		Str("disable_method", cfg.Panel.DisableMethod).
		Int("general_limit", cfg.Limits.General).
		Str("store_path", cfg.Store.Path).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheStore := buildCache(ctx, cfg)
	defer func() {
		if err := cacheStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cache")
		}
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	panelClient := panel.New(panel.Config{
		Domain:        cfg.Panel.Domain,
		Username:      cfg.Panel.Username,
		Password:      cfg.Panel.Password,
		Timeout:       cfg.Panel.Timeout,
		RetryAttempts: cfg.Panel.RetryAttempts,
		Transport:     cfg.Nodes.Transport,
	}, cacheStore)

	manager := stream.NewManager(
		stream.Source{Client: panelClient},
		stream.NewParser(stream.ParserConfig{UseXFF: true}),
		stream.Config{
			RefreshInterval:    cfg.Nodes.RefreshInterval,
			FullResyncInterval: cfg.Nodes.FullResyncInterval,
			EventBuffer:        cfg.Nodes.EventBuffer,
		},
	)

	actuator := enforce.New(enforce.Config{
		Method:          cfg.Panel.DisableMethod,
		DisabledGroupID: cfg.Panel.DisabledGroupID,
	}, panelClient, st)

	resolver := geo.NewResolver(cacheStore)

	eng, err := engine.New(cfg, manager.Events(), resolver, actuator, st)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	watchConfig(*configPath, eng, actuator)

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(manager)
	tree.AddCoreService(eng)
	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, eng, actuator, manager)
		tree.AddAPIService(apiServer)
		logging.Info().Str("host", cfg.API.Host).Int("port", cfg.API.Port).Msg("API server enabled")
	} else {
		logging.Info().Msg("API server disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished).
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Connguard stopped gracefully")
}

// buildCache selects the cache backend. Redis failures degrade to the
// in-memory backend instead of aborting startup; the cache only holds
// the panel token and country lookups, both of which can be refetched.
func buildCache(ctx context.Context, cfg *config.Config) cache.Store {
	switch cfg.Cache.Backend {
	case "redis", "tiered":
		remote, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:       cfg.Cache.Redis.Addr,
			Password:   cfg.Cache.Redis.Password,
			DB:         cfg.Cache.Redis.DB,
			DefaultTTL: cfg.Cache.TTL,
		})
		if err != nil {
			logging.Warn().Err(err).
				Str("addr", cfg.Cache.Redis.Addr).
				Msg("Redis unavailable, falling back to memory cache")
			return cache.NewMemory(cfg.Cache.TTL)
		}
		if cfg.Cache.Backend == "tiered" {
			logging.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Tiered cache enabled")
			return cache.NewTiered(remote, cache.NewMemory(cfg.Cache.TTL))
		}
		logging.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Redis cache enabled")
		return remote
	default:
		return cache.NewMemory(cfg.Cache.TTL)
	}
}

// watchConfig wires config file hot reload. Limit, punishment, logging
// and disable-method changes apply live; panel, store and API settings
// still require a restart.
func watchConfig(configPath string, eng *engine.Engine, actuator *enforce.Actuator) {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		logging.Debug().Msg("No config file found, hot reload disabled")
		return
	}

	err := config.WatchConfigFile(path, func() {
		next, err := config.LoadFile(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Config reload failed, keeping previous configuration")
			return
		}
		eng.UpdateConfig(next)
		if err := actuator.SetMethod(next.Panel.DisableMethod, next.Panel.DisabledGroupID); err != nil {
			logging.Warn().Err(err).Msg("Config reload: invalid disable method, keeping previous")
		}
		logging.SetLevelString(next.Logging.Level)
		logging.Info().Str("path", path).Msg("Configuration reloaded")
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Config watch failed, hot reload disabled")
	}
}
