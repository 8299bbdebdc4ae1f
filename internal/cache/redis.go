// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/connguard/internal/logging"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds each Redis round-trip so a dead backend cannot
	// stall callers. Default 500ms.
	OpTimeout time.Duration

	// DefaultTTL is applied when Set is called with a zero TTL.
	DefaultTTL time.Duration
}

// Redis is a Store backed by a Redis server.
//
// Operational errors are logged and surfaced to callers as misses so the
// engine keeps running when Redis is down. Use NewTiered to add a local
// fallback layer.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig

	statsMu sync.Mutex
	stats   Stats
}

// NewRedis creates a Redis-backed cache. The connection is verified with
// a ping so a misconfigured address fails at startup rather than as a
// silent stream of misses.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{client: client, cfg: cfg}, nil
}

// Get retrieves a value by key. Backend errors count as misses.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	data, err := r.client.Get(opCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn().Err(err).Str("key", key).Msg("Redis get failed")
		}
		r.recordMiss()
		return nil, false
	}

	r.recordHit()
	return data, true
}

// Set stores value under key. A zero TTL uses the configured default.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	if err := r.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("Redis set failed")
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	if err := r.client.Del(opCtx, key).Err(); err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("Redis delete failed")
		return
	}
	r.recordEviction()
}

// Stats returns a copy of the current counters.
func (r *Redis) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) recordHit() {
	r.statsMu.Lock()
	r.stats.Hits++
	r.statsMu.Unlock()
}

func (r *Redis) recordMiss() {
	r.statsMu.Lock()
	r.stats.Misses++
	r.statsMu.Unlock()
}

func (r *Redis) recordEviction() {
	r.statsMu.Lock()
	r.stats.Evictions++
	r.statsMu.Unlock()
}
