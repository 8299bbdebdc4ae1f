// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package stream

import (
	"testing"
	"time"
)

func TestParseAcceptedLines(t *testing.T) {
	p := NewParser(ParserConfig{})
	now := time.Now()

	tests := []struct {
		name    string
		line    string
		wantOK  bool
		user    string
		ip      string
		inbound string
	}{
		{
			name:    "ipv4 accepted",
			line:    "2026/08/30 10:00:00 203.0.113.7:51234 accepted tcp:example.com:443 [VLESS-TCP >> direct] email: alice",
			wantOK:  true,
			user:    "alice",
			ip:      "203.0.113.7",
			inbound: "VLESS-TCP",
		},
		{
			name:    "ipv6 accepted",
			line:    "[2001:db8::17]:51234 accepted tcp:example.com:443 [VMESS-WS >> direct] email: bob",
			wantOK:  true,
			user:    "bob",
			ip:      "2001:db8::17",
			inbound: "VMESS-WS",
		},
		{
			name:   "id prefix stripped",
			line:   "203.0.113.7:4000 accepted tcp:x.com:443 [IN >> out] email: 12.alice",
			wantOK: true,
			user:   "alice",
			ip:     "203.0.113.7",
		},
		{
			name:   "not accepted",
			line:   "203.0.113.7:4000 rejected tcp:x.com:443 email: alice",
			wantOK: false,
		},
		{
			name:   "blocked routing",
			line:   "203.0.113.7:4000 accepted tcp:x.com:443 [IN >> BLOCK] email: alice",
			wantOK: false,
		},
		{
			name:   "private ip",
			line:   "192.168.1.10:4000 accepted tcp:x.com:443 [IN >> out] email: alice",
			wantOK: false,
		},
		{
			name:   "loopback ip",
			line:   "127.0.0.1:4000 accepted tcp:x.com:443 [IN >> out] email: alice",
			wantOK: false,
		},
		{
			name:   "known invalid resolver ip",
			line:   "1.1.1.1:4000 accepted tcp:x.com:443 [IN >> out] email: alice",
			wantOK: false,
		},
		{
			name:   "no email",
			line:   "203.0.113.7:4000 accepted tcp:x.com:443 [IN >> out]",
			wantOK: false,
		},
		{
			name:   "no ip",
			line:   "accepted tcp:x.com:443 [IN >> out] email: alice",
			wantOK: false,
		},
		{
			name:   "random noise",
			line:   "2026/08/30 10:00:00 [Info] transport/internet: dialing to tcp:example.com",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := p.Parse(tt.line, 3, "edge-1", now)
			if ok != tt.wantOK {
				t.Fatalf("Parse ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.User != tt.user {
				t.Errorf("User = %q, want %q", ev.User, tt.user)
			}
			if ev.IP != tt.ip {
				t.Errorf("IP = %q, want %q", ev.IP, tt.ip)
			}
			if tt.inbound != "" && ev.Inbound != tt.inbound {
				t.Errorf("Inbound = %q, want %q", ev.Inbound, tt.inbound)
			}
			if ev.NodeID != 3 || ev.NodeName != "edge-1" {
				t.Errorf("Node ref = %d/%q, want 3/edge-1", ev.NodeID, ev.NodeName)
			}
			if !ev.Time.Equal(now) {
				t.Errorf("Time = %v, want %v", ev.Time, now)
			}
		})
	}
}

func TestParseCDNForwardedFor(t *testing.T) {
	p := NewParser(ParserConfig{
		CDNInbounds: []string{"VLESS-CDN"},
		UseXFF:      true,
	})

	// CDN edge IP in the socket address, real client in X-Forwarded-For.
	line := "198.51.100.1:443 accepted tcp:x.com:443 [VLESS-CDN >> direct] xForwardedFor: 203.0.113.9 email: alice"
	ev, ok := p.Parse(line, 1, "edge", time.Now())
	if !ok {
		t.Fatal("Expected CDN line to parse")
	}
	if ev.IP != "203.0.113.9" {
		t.Errorf("Expected forwarded IP 203.0.113.9, got %s", ev.IP)
	}

	// Same line on a non-CDN inbound keeps the socket address.
	line = "198.51.100.1:443 accepted tcp:x.com:443 [VLESS-TCP >> direct] xForwardedFor: 203.0.113.9 email: alice"
	ev, ok = p.Parse(line, 1, "edge", time.Now())
	if !ok {
		t.Fatal("Expected non-CDN line to parse")
	}
	if ev.IP != "198.51.100.1" {
		t.Errorf("Expected socket IP 198.51.100.1, got %s", ev.IP)
	}
}

func TestParseExtraInvalidIPs(t *testing.T) {
	p := NewParser(ParserConfig{InvalidIPs: []string{"203.0.113.200"}})

	line := "203.0.113.200:443 accepted tcp:x.com:443 [IN >> out] email: alice"
	if _, ok := p.Parse(line, 1, "edge", time.Now()); ok {
		t.Error("Expected configured invalid IP to be rejected")
	}
}
