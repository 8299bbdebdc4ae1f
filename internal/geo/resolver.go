// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package geo resolves client IPs to ISO country codes for the optional
// geographic filter.
//
// Lookups go through a chain of public IP-info APIs ordered by recent
// reliability: an endpoint that fails or rate-limits sinks to the back
// of the chain until it recovers. Results are cached; a lookup that
// fails on every endpoint resolves to CountryUnknown rather than an
// error, so the filter degrades instead of dropping traffic decisions
// on the floor.
package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/connguard/internal/cache"
	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/metrics"
)

// CountryUnknown is returned when no endpoint could resolve the IP.
const CountryUnknown = "unknown"

// cacheTTL keeps resolved countries for a day; IP geolocation churns
// slowly and the APIs are rate limited.
const cacheTTL = 24 * time.Hour

// endpoint is one IP-info API in the fallback chain.
type endpoint struct {
	name string
	// urlFor builds the lookup URL for an IP.
	urlFor func(ip string) string
	// jsonKey is the country field in a JSON response; empty means the
	// response body is the bare country code.
	jsonKey string
}

var defaultEndpoints = []endpoint{
	{
		name:    "ip-api.com",
		urlFor:  func(ip string) string { return "http://ip-api.com/json/" + ip + "?fields=countryCode" },
		jsonKey: "countryCode",
	},
	{
		name:    "ipinfo.io",
		urlFor:  func(ip string) string { return "https://ipinfo.io/" + ip + "/json" },
		jsonKey: "country",
	},
	{
		name:    "iplocation.net",
		urlFor:  func(ip string) string { return "https://api.iplocation.net/?ip=" + ip },
		jsonKey: "country_code2",
	},
	{
		name:   "ipapi.co",
		urlFor: func(ip string) string { return "https://ipapi.co/" + ip + "/country" },
	},
}

// Resolver looks up countries with caching, pacing and endpoint
// failure scoring.
type Resolver struct {
	http      *http.Client
	cache     cache.Store
	limiter   *rate.Limiter
	endpoints []endpoint

	mu          sync.Mutex
	failures    map[string]int
	lastSuccess map[string]time.Time
}

// NewResolver creates a Resolver backed by the given cache store.
func NewResolver(cacheStore cache.Store) *Resolver {
	return &Resolver{
		http:  &http.Client{Timeout: 3 * time.Second},
		cache: cacheStore,
		// The free tiers sit around 45 requests/minute; stay under.
		limiter:     rate.NewLimiter(rate.Every(1500*time.Millisecond), 5),
		endpoints:   defaultEndpoints,
		failures:    make(map[string]int),
		lastSuccess: make(map[string]time.Time),
	}
}

// Country resolves the IP's ISO country code. Never returns an error;
// unresolvable IPs map to CountryUnknown (uncached, so a transient
// outage does not pin an IP to unknown for a day).
func (r *Resolver) Country(ctx context.Context, ip string) string {
	key := cache.GenerateKey("geo:country", ip)
	if raw, ok := r.cache.Get(ctx, key); ok {
		return string(raw)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return CountryUnknown
	}

	for _, ep := range r.ordered() {
		country, err := r.query(ctx, ep, ip)
		if err != nil {
			r.recordFailure(ep.name, err)
			metrics.GeoLookups.WithLabelValues(ep.name, "failed").Inc()
			continue
		}
		r.recordSuccess(ep.name)
		metrics.GeoLookups.WithLabelValues(ep.name, "ok").Inc()
		r.cache.Set(ctx, key, []byte(country), cacheTTL)
		return country
	}

	logging.Debug().Str("ip", ip).Msg("Country lookup failed on all endpoints")
	return CountryUnknown
}

// ordered returns the endpoint chain sorted by reliability: fewer
// recent failures first, most recent success breaking ties.
func (r *Resolver) ordered() []endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := r.failures[out[i].name], r.failures[out[j].name]
		if fi != fj {
			return fi < fj
		}
		return r.lastSuccess[out[i].name].After(r.lastSuccess[out[j].name])
	})
	return out
}

// query performs one lookup against one endpoint.
func (r *Resolver) query(ctx context.Context, ep endpoint, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.urlFor(ip), nil)
	if err != nil {
		return "", err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: %s returned %d", ep.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}

	var country string
	if ep.jsonKey == "" {
		country = strings.TrimSpace(string(body))
	} else {
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", err
		}
		country, _ = payload[ep.jsonKey].(string)
	}

	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 2 {
		return "", fmt.Errorf("geo: %s returned invalid country %q", ep.name, country)
	}
	return country, nil
}

var errRateLimited = fmt.Errorf("geo: rate limited")

// recordFailure bumps the endpoint's failure score. Rate limiting
// counts extra so the chain steers away from throttled endpoints.
func (r *Resolver) recordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == errRateLimited {
		r.failures[name] += 3
		return
	}
	r.failures[name]++
}

// recordSuccess decays the failure score and stamps the success time.
func (r *Resolver) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[name] > 0 {
		r.failures[name]--
	}
	r.lastSuccess[name] = time.Now()
}
