// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/connguard/internal/panel"
)

// fakeStream feeds scripted lines, then ends with err.
type fakeStream struct {
	lines chan string
	err   error
	once  sync.Once
}

func newFakeStream(lines []string, err error) *fakeStream {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return &fakeStream{lines: ch, err: err}
}

func (f *fakeStream) Lines() <-chan string { return f.lines }
func (f *fakeStream) Err() error           { return f.err }
func (f *fakeStream) Close()               { f.once.Do(func() {}) }

// fakeSource hands out scripted streams per connect attempt.
type fakeSource struct {
	mu       sync.Mutex
	nodes    []panel.Node
	nodesErr error
	streams  map[int][]streamResult
	connects map[int]int
}

type streamResult struct {
	stream LineStream
	err    error
}

func newFakeSource(nodes ...panel.Node) *fakeSource {
	return &fakeSource{
		nodes:    nodes,
		streams:  make(map[int][]streamResult),
		connects: make(map[int]int),
	}
}

func (f *fakeSource) queue(nodeID int, stream LineStream, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[nodeID] = append(f.streams[nodeID], streamResult{stream: stream, err: err})
}

func (f *fakeSource) connectCount(nodeID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[nodeID]
}

func (f *fakeSource) Nodes(context.Context) ([]panel.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, f.nodesErr
}

func (f *fakeSource) StreamLogs(_ context.Context, node panel.Node) (LineStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[node.ID]++

	queue := f.streams[node.ID]
	if len(queue) == 0 {
		// Default: empty stream that ends immediately.
		return newFakeStream(nil, nil), nil
	}
	next := queue[0]
	f.streams[node.ID] = queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.stream, nil
}

func testConfig() Config {
	return Config{
		RefreshInterval:    time.Hour, // manual refresh only
		FullResyncInterval: time.Hour,
		EventBuffer:        64,
		BackoffFloor:       5 * time.Millisecond,
		BackoffCap:         20 * time.Millisecond,
		CleanPeriod:        time.Hour,
	}
}

func acceptLine(user, ip string) string {
	return fmt.Sprintf("%s:4000 accepted tcp:x.com:443 [IN >> out] email: %s", ip, user)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerEmitsEvents(t *testing.T) {
	node := panel.Node{ID: 1, Name: "edge-1", Status: "connected"}
	source := newFakeSource(node)
	source.queue(1, newFakeStream([]string{
		acceptLine("alice", "203.0.113.1"),
		"noise line",
		acceptLine("bob", "203.0.113.2"),
	}, nil), nil)

	m := NewManager(source, NewParser(ParserConfig{}), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Serve(ctx) }()

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-m.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out, got %d events", len(got))
		}
	}

	if got[0].User != "alice" || got[1].User != "bob" {
		t.Errorf("Unexpected event order: %+v", got)
	}
	if got[0].NodeID != 1 || got[0].NodeName != "edge-1" {
		t.Errorf("Unexpected node ref: %+v", got[0])
	}
}

func TestManagerReconnectsAfterDisconnect(t *testing.T) {
	node := panel.Node{ID: 1, Name: "edge-1", Status: "connected"}
	source := newFakeSource(node)
	source.queue(1, newFakeStream([]string{acceptLine("alice", "203.0.113.1")}, fmt.Errorf("connection reset")), nil)
	source.queue(1, nil, fmt.Errorf("dial refused"))
	source.queue(1, newFakeStream([]string{acceptLine("alice", "203.0.113.9")}, nil), nil)

	m := NewManager(source, NewParser(ParserConfig{}), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Serve(ctx) }()

	// Both events must arrive despite the disconnect and the failed
	// connect attempt in between.
	var ips []string
	for len(ips) < 2 {
		select {
		case ev := <-m.Events():
			ips = append(ips, ev.IP)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for reconnect, got %v", ips)
		}
	}
	if ips[0] != "203.0.113.1" || ips[1] != "203.0.113.9" {
		t.Errorf("Unexpected IPs: %v", ips)
	}

	if n := source.connectCount(1); n < 3 {
		t.Errorf("Expected at least 3 connect attempts, got %d", n)
	}
}

func TestManagerAuthFailureMarksNodeFailed(t *testing.T) {
	node := panel.Node{ID: 1, Name: "edge-1", Status: "connected"}
	source := newFakeSource(node)
	source.queue(1, nil, fmt.Errorf("stream: %w", panel.ErrAuthFailed))

	m := NewManager(source, NewParser(ParserConfig{}), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Serve(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		health := m.Health()
		return len(health) == 1 && health[0].Status == StatusFailed
	}, "Node never reached failed state")

	// No further reconnect attempts until a refresh.
	attempts := source.connectCount(1)
	time.Sleep(30 * time.Millisecond)
	if source.connectCount(1) != attempts {
		t.Error("Expected no reconnects for an auth-failed node")
	}

	// A refresh restarts the failed node.
	if err := m.refresh(ctx, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return source.connectCount(1) > attempts
	}, "Refresh did not restart the failed node")
}

func TestManagerDropsDeregisteredNodes(t *testing.T) {
	nodeA := panel.Node{ID: 1, Name: "edge-1", Status: "connected"}
	nodeB := panel.Node{ID: 2, Name: "edge-2", Status: "connected"}
	source := newFakeSource(nodeA, nodeB)

	m := NewManager(source, NewParser(ParserConfig{}), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.refresh(ctx, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(m.Health()) != 2 {
		t.Fatalf("Expected 2 workers, got %d", len(m.Health()))
	}

	// Node B disappears from the panel.
	source.mu.Lock()
	source.nodes = []panel.Node{nodeA}
	source.mu.Unlock()

	if err := m.refresh(ctx, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	health := m.Health()
	if len(health) != 1 || health[0].Node.ID != 1 {
		t.Errorf("Expected only node 1 to remain, got %+v", health)
	}
}

func TestManagerSkipsDisconnectedNodes(t *testing.T) {
	nodeA := panel.Node{ID: 1, Name: "edge-1", Status: "connected"}
	nodeB := panel.Node{ID: 2, Name: "edge-2", Status: "disconnected"}
	source := newFakeSource(nodeA, nodeB)

	m := NewManager(source, NewParser(ParserConfig{}), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.refresh(ctx, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	health := m.Health()
	if len(health) != 1 || health[0].Node.ID != 1 {
		t.Errorf("Expected only the connected node, got %+v", health)
	}
}

func TestBackoffSequence(t *testing.T) {
	floor := time.Second
	ceiling := 60 * time.Second

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	current := floor
	for i, expected := range want {
		current = nextBackoff(current, ceiling)
		if current != expected {
			t.Fatalf("Step %d: got %v, want %v", i, current, expected)
		}
	}
}
