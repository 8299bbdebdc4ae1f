// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package metrics exposes Prometheus instrumentation for the engine:
// stream ingestion, window tracking, evaluation, enforcement and cache
// efficiency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream ingestion metrics
	EventsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connguard_events_parsed_total",
			Help: "Total connection events parsed from node log streams",
		},
		[]string{"node"},
	)

	LinesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connguard_log_lines_dropped_total",
			Help: "Total log lines that did not match the connection grammar",
		},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connguard_stream_reconnects_total",
			Help: "Total reconnect attempts per node log stream",
		},
		[]string{"node"},
	)

	NodesConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connguard_nodes_connected",
			Help: "Number of node log streams currently connected",
		},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connguard_event_queue_depth",
			Help: "Current depth of the shared connection-event channel",
		},
	)

	// Evaluation metrics
	TrackedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connguard_tracked_users",
			Help: "Number of users with tracking state",
		},
	)

	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connguard_violations_total",
			Help: "Total over-limit detections by resulting action",
		},
		[]string{"action"}, // "warning", "disable"
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connguard_evaluation_duration_seconds",
			Help:    "Duration of one evaluation tick over all users",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Enforcement metrics
	EnforcementActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connguard_enforcement_actions_total",
			Help: "Total enforcement actions by kind and outcome",
		},
		[]string{"action", "outcome"}, // action: "disable"/"enable", outcome: "ok"/"failed"/"skipped"
	)

	// Geo lookup metrics
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connguard_geo_lookups_total",
			Help: "Total country lookups by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: "ok"/"failed"
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connguard_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connguard_cache_misses_total",
			Help: "Total cache misses",
		},
	)
)
