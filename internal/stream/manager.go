// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

// Package stream keeps one live log stream per panel node and turns raw
// log lines into connection events on a shared bounded channel.
//
// Each node gets its own goroutine so a hung or dead node can never
// stall ingestion from healthy ones. Disconnects reconnect with
// exponential backoff (1s floor, 60s cap), reset after a sustained
// clean streaming period. The node list is refreshed periodically to
// pick up new nodes and drop deregistered ones.
package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/metrics"
	"github.com/tomtom215/connguard/internal/panel"
)

// NodeStatus is the health of one node's log stream.
type NodeStatus string

const (
	StatusConnecting   NodeStatus = "connecting"
	StatusConnected    NodeStatus = "connected"
	StatusReconnecting NodeStatus = "reconnecting"
	StatusFailed       NodeStatus = "failed"
)

// NodeHealth is a snapshot of one node stream for status reporting.
type NodeHealth struct {
	Node      panel.Node `json:"node"`
	Status    NodeStatus `json:"status"`
	LastEvent time.Time  `json:"last_event"`
	LastError string     `json:"last_error,omitempty"`
}

// LineStream is the per-node line source consumed by a worker.
// *panel.LineStream implements it.
type LineStream interface {
	Lines() <-chan string
	Err() error
	Close()
}

// LogSource provides the node list and per-node log streams. Implemented
// by the panel client via Source; faked in tests.
type LogSource interface {
	Nodes(ctx context.Context) ([]panel.Node, error)
	StreamLogs(ctx context.Context, node panel.Node) (LineStream, error)
}

// Source adapts *panel.Client to LogSource.
type Source struct {
	Client *panel.Client
}

func (s Source) Nodes(ctx context.Context) ([]panel.Node, error) {
	return s.Client.Nodes(ctx)
}

func (s Source) StreamLogs(ctx context.Context, node panel.Node) (LineStream, error) {
	ls, err := s.Client.StreamLogs(ctx, node)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

// Config tunes the manager.
type Config struct {
	// RefreshInterval is how often the node list is re-fetched.
	RefreshInterval time.Duration

	// FullResyncInterval forces a reconnect of every stream.
	FullResyncInterval time.Duration

	// EventBuffer is the shared event channel capacity.
	EventBuffer int

	// BackoffFloor/BackoffCap bound the reconnect backoff.
	BackoffFloor time.Duration
	BackoffCap   time.Duration

	// CleanPeriod is how long a stream must stay up for the backoff to
	// reset to the floor.
	CleanPeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Minute
	}
	if c.FullResyncInterval <= 0 {
		c.FullResyncInterval = 2 * time.Hour
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.CleanPeriod <= 0 {
		c.CleanPeriod = 60 * time.Second
	}
}

// Manager owns one worker goroutine per node and the shared event
// channel.
type Manager struct {
	source LogSource
	parser *Parser
	cfg    Config

	events chan Event

	mu      sync.Mutex
	workers map[int]*nodeWorker
}

type nodeWorker struct {
	node   panel.Node
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    NodeStatus
	lastEvent time.Time
	lastError string
}

func (w *nodeWorker) setStatus(status NodeStatus, errMsg string) {
	w.mu.Lock()
	w.status = status
	w.lastError = errMsg
	w.mu.Unlock()
}

func (w *nodeWorker) touch(ts time.Time) {
	w.mu.Lock()
	w.lastEvent = ts
	w.mu.Unlock()
}

func (w *nodeWorker) health() NodeHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return NodeHealth{
		Node:      w.node,
		Status:    w.status,
		LastEvent: w.lastEvent,
		LastError: w.lastError,
	}
}

// NewManager creates a stream manager. Events() delivers parsed
// connection events once Serve is running.
func NewManager(source LogSource, parser *Parser, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		source:  source,
		parser:  parser,
		cfg:     cfg,
		events:  make(chan Event, cfg.EventBuffer),
		workers: make(map[int]*nodeWorker),
	}
}

// Events returns the shared connection-event channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Health returns a snapshot of all node streams, ordered by node ID.
func (m *Manager) Health() []NodeHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeHealth, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// String implements suture's service naming.
func (m *Manager) String() string { return "stream-manager" }

// Serve runs the manager until ctx is cancelled: initial node sync,
// periodic refresh and periodic full resync.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.refresh(ctx, false); err != nil {
		logging.Warn().Err(err).Msg("Initial node list fetch failed, will retry on refresh tick")
	}

	refresh := time.NewTicker(m.cfg.RefreshInterval)
	defer refresh.Stop()
	resync := time.NewTicker(m.cfg.FullResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case <-refresh.C:
			if err := m.refresh(ctx, false); err != nil {
				logging.Warn().Err(err).Msg("Node list refresh failed")
			}
		case <-resync.C:
			if err := m.refresh(ctx, true); err != nil {
				logging.Warn().Err(err).Msg("Node full resync failed")
			}
		}
	}
}

// refresh reconciles workers against the current node list. With force
// set, every stream is torn down and reconnected.
func (m *Manager) refresh(ctx context.Context, force bool) error {
	nodes, err := m.source.Nodes(ctx)
	if err != nil {
		return err
	}

	listed := make(map[int]panel.Node, len(nodes))
	for _, node := range nodes {
		if node.Connected() {
			listed[node.ID] = node
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop workers for deregistered or disconnected nodes.
	for id, w := range m.workers {
		_, still := listed[id]
		if still && !force {
			continue
		}
		w.cancel()
		delete(m.workers, id)
		logging.Info().Int("node_id", id).Str("node", w.node.Name).Msg("Node stream stopped")
	}

	// Start workers for new nodes, and restart dead ones (a node marked
	// failed stays down until this refresh).
	for id, node := range listed {
		if w, ok := m.workers[id]; ok {
			select {
			case <-w.done:
				delete(m.workers, id)
			default:
				continue
			}
		}
		m.startWorker(ctx, node)
	}

	return nil
}

// startWorker launches the per-node goroutine. Caller holds m.mu.
func (m *Manager) startWorker(ctx context.Context, node panel.Node) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &nodeWorker{
		node:   node,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusConnecting,
	}
	m.workers[node.ID] = w

	go func() {
		defer close(w.done)
		m.runWorker(workerCtx, w)
	}()

	logging.Info().Int("node_id", node.ID).Str("node", node.Name).Msg("Node stream starting")
}

// runWorker is the per-node connect/read/backoff loop.
func (m *Manager) runWorker(ctx context.Context, w *nodeWorker) {
	backoff := m.cfg.BackoffFloor

	for {
		if ctx.Err() != nil {
			return
		}

		ls, err := m.source.StreamLogs(ctx, w.node)
		if err != nil {
			if errors.Is(err, panel.ErrAuthFailed) {
				// Authentication rejection is not transient. The node
				// stays failed until the next node list refresh.
				w.setStatus(StatusFailed, err.Error())
				logging.Error().Err(err).Int("node_id", w.node.ID).Msg("Node stream auth failed")
				return
			}

			w.setStatus(StatusReconnecting, err.Error())
			metrics.StreamReconnects.WithLabelValues(w.node.Name).Inc()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.cfg.BackoffCap)
			continue
		}

		w.setStatus(StatusConnected, "")
		metrics.NodesConnected.Inc()
		connectedAt := time.Now()

		m.consume(ctx, w, ls)

		metrics.NodesConnected.Dec()
		ls.Close()

		if ctx.Err() != nil {
			return
		}

		// A stream that stayed up for the clean period earns a backoff
		// reset; a quick flap keeps escalating.
		if time.Since(connectedAt) >= m.cfg.CleanPeriod {
			backoff = m.cfg.BackoffFloor
		}

		errMsg := ""
		if err := ls.Err(); err != nil {
			errMsg = err.Error()
		}
		w.setStatus(StatusReconnecting, errMsg)
		metrics.StreamReconnects.WithLabelValues(w.node.Name).Inc()
		logging.Warn().
			Int("node_id", w.node.ID).
			Str("node", w.node.Name).
			Str("error", errMsg).
			Dur("backoff", backoff).
			Msg("Node stream disconnected")

		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.cfg.BackoffCap)
	}
}

// consume reads lines until the stream ends, emitting parsed events.
func (m *Manager) consume(ctx context.Context, w *nodeWorker, ls LineStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ls.Lines():
			if !ok {
				return
			}
			now := time.Now()
			ev, ok := m.parser.Parse(line, w.node.ID, w.node.Name, now)
			if !ok {
				metrics.LinesDropped.Inc()
				continue
			}
			w.touch(now)
			metrics.EventsParsed.WithLabelValues(w.node.Name).Inc()
			select {
			case m.events <- ev:
				metrics.EventQueueDepth.Set(float64(len(m.events)))
			case <-ctx.Done():
				return
			}
		}
	}
}

// stopAll cancels every worker and waits for them to exit.
func (m *Manager) stopAll() {
	m.mu.Lock()
	workers := make([]*nodeWorker, 0, len(m.workers))
	for id, w := range m.workers {
		w.cancel()
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

// nextBackoff doubles the delay up to ceiling.
func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// sleepCtx sleeps for d, reporting false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
