// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package stream

import (
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Event is one accepted connection extracted from a node log line.
// Immutable once emitted; consumed exactly once by the window tracker.
type Event struct {
	User     string
	IP       string
	Inbound  string
	NodeID   int
	NodeName string
	Time     time.Time
}

// Log line grammars. Xray access logs look like:
//
//	1.2.3.4:51234 accepted tcp:example.com:443 [VLESS-TCP >> direct] email: 12.alice
//	[2001:db8::1]:51234 accepted ...
var (
	ipV6Regex     = regexp.MustCompile(`\[([0-9a-fA-F:]+)\]:\d+\s+accepted`)
	ipV4Regex     = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	emailRegex    = regexp.MustCompile(`email:\s*([A-Za-z0-9._%+-]+)`)
	inboundRegex  = regexp.MustCompile(`\[([^\]]+)\s+>>\s+[^\]]+\]`)
	idPrefixRegex = regexp.MustCompile(`^\d+\.`)

	// Real client IP recorded by CDN-fronted inbounds.
	xffRegex = regexp.MustCompile(`(?:xForwardedFor|X-Forwarded-For|xff):\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
)

// ParserConfig tunes line parsing per deployment.
type ParserConfig struct {
	// CDNInbounds lists inbound tags fronted by a CDN; for those the
	// socket address is the CDN edge, and the real client IP is taken
	// from the X-Forwarded-For fragment when present.
	CDNInbounds []string

	// UseXFF enables the X-Forwarded-For override for CDN inbounds.
	UseXFF bool

	// InvalidIPs are well-known resolver/probe addresses that must
	// never count as client connections.
	InvalidIPs []string
}

// Parser turns raw node log lines into Events. Lines that do not match
// the grammar are dropped silently; that is normal log noise, not an
// error.
type Parser struct {
	cdnInbounds map[string]struct{}
	useXFF      bool
	invalidIPs  map[string]struct{}
}

// defaultInvalidIPs are public resolvers that show up in logs from
// DNS-over-VPN traffic.
var defaultInvalidIPs = []string{"1.1.1.1", "8.8.8.8"}

// NewParser builds a Parser from config.
func NewParser(cfg ParserConfig) *Parser {
	p := &Parser{
		cdnInbounds: make(map[string]struct{}, len(cfg.CDNInbounds)),
		useXFF:      cfg.UseXFF,
		invalidIPs:  make(map[string]struct{}),
	}
	for _, tag := range cfg.CDNInbounds {
		p.cdnInbounds[tag] = struct{}{}
	}
	for _, ip := range defaultInvalidIPs {
		p.invalidIPs[ip] = struct{}{}
	}
	for _, ip := range cfg.InvalidIPs {
		p.invalidIPs[ip] = struct{}{}
	}
	return p
}

// Parse extracts an Event from one log line. The second return value
// reports whether the line produced a usable event.
func (p *Parser) Parse(line string, nodeID int, nodeName string, now time.Time) (Event, bool) {
	if !strings.Contains(line, "accepted") {
		return Event{}, false
	}
	if strings.Contains(line, "BLOCK]") {
		return Event{}, false
	}

	inbound := "Unknown"
	if m := inboundRegex.FindStringSubmatch(line); m != nil {
		inbound = strings.TrimSpace(m[1])
	}

	var ip string
	if m := ipV6Regex.FindStringSubmatch(line); m != nil {
		ip = m[1]
	} else if m := ipV4Regex.FindStringSubmatch(line); m != nil {
		ip = m[1]
	} else {
		return Event{}, false
	}

	// CDN-fronted inbound: the socket address is the edge, not the
	// client. Prefer the forwarded address when the log carries one.
	if _, isCDN := p.cdnInbounds[inbound]; isCDN && p.useXFF {
		if m := xffRegex.FindStringSubmatch(line); m != nil {
			ip = m[1]
		}
	}

	if !p.validIP(ip) {
		return Event{}, false
	}

	m := emailRegex.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	user := stripUserID(m[1])
	if user == "" {
		return Event{}, false
	}

	return Event{
		User:     user,
		IP:       ip,
		Inbound:  inbound,
		NodeID:   nodeID,
		NodeName: nodeName,
		Time:     now,
	}, true
}

// validIP rejects malformed, private, loopback and known-invalid
// addresses.
func (p *Parser) validIP(ip string) bool {
	if _, bad := p.invalidIPs[ip]; bad {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return false
	}
	return true
}

// stripUserID removes the numeric account-ID prefix some panels attach
// to the username in logs ("12.alice" -> "alice").
func stripUserID(username string) string {
	return idPrefixRegex.ReplaceAllString(username, "")
}
