// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LineStream delivers raw log lines from one node until the connection
// drops or the stream is closed. After Lines() is closed, Err() reports
// why.
type LineStream struct {
	lines chan string

	mu  sync.Mutex
	err error

	close func()
	once  sync.Once
}

// Lines returns the channel of raw log lines. It is closed when the
// stream ends.
func (s *LineStream) Lines() <-chan string {
	return s.lines
}

// Err returns the error that ended the stream, nil for a clean close.
func (s *LineStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. Safe to call multiple times.
func (s *LineStream) Close() {
	s.once.Do(s.close)
}

func (s *LineStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// StreamLogs opens the long-lived log stream for a node using the
// configured transport. The stream has no read deadline; cancel ctx or
// call Close to end it.
func (c *Client) StreamLogs(ctx context.Context, node Node) (*LineStream, error) {
	if c.cfg.Transport == "ws" {
		return c.streamLogsWS(ctx, node)
	}
	return c.streamLogsSSE(ctx, node)
}

// streamLogsSSE consumes the node's server-sent event endpoint. Each
// event's data payload may hold several log lines.
func (c *Client) streamLogsSSE(ctx context.Context, node Node) (*LineStream, error) {
	token, err := c.token(ctx, false)
	if err != nil {
		return nil, err
	}

	// A separate client without the API timeout: this connection is
	// meant to stay open indefinitely.
	streamClient := &http.Client{Transport: c.http.Transport}

	streamCtx, cancel := context.WithCancel(ctx)

	var resp *http.Response
	var lastErr error
	for _, scheme := range schemes {
		url := fmt.Sprintf("%s/api/node/%d/logs", c.baseURL(scheme), node.ID)
		req, reqErr := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
		if reqErr != nil {
			cancel()
			return nil, fmt.Errorf("panel: build stream request: %w", reqErr)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, lastErr = streamClient.Do(req)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		cancel()
		return nil, fmt.Errorf("%w: node %d log stream: %v", ErrUnreachable, node.ID, lastErr)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			c.invalidateToken(ctx)
			return nil, fmt.Errorf("%w: node %d log stream", ErrAuthExpired, node.ID)
		case http.StatusForbidden:
			return nil, fmt.Errorf("%w: node %d log stream", ErrAuthFailed, node.ID)
		default:
			return nil, fmt.Errorf("panel: node %d log stream: http %d", node.ID, resp.StatusCode)
		}
	}

	stream := &LineStream{
		lines: make(chan string, 64),
		close: cancel,
	}

	go func() {
		defer close(stream.lines)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimSpace(line[len("data: "):])
			if payload == "" {
				continue
			}
			select {
			case stream.lines <- payload:
			case <-streamCtx.Done():
				stream.setErr(streamCtx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			stream.setErr(err)
		}
	}()

	return stream, nil
}

// streamLogsWS consumes the node's websocket log endpoint, used on
// panel builds that expose logs over websocket instead of SSE.
func (c *Client) streamLogsWS(ctx context.Context, node Node) (*LineStream, error) {
	token, err := c.token(ctx, false)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{"Authorization": {"Bearer " + token}}

	var conn *websocket.Conn
	var lastErr error
	for _, scheme := range []string{"wss", "ws"} {
		url := fmt.Sprintf("%s://%s/api/node/%d/logs", scheme, c.cfg.Domain, node.ID)
		var resp *http.Response
		conn, resp, lastErr = dialer.DialContext(ctx, url, header)
		if lastErr == nil {
			break
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				c.invalidateToken(ctx)
				return nil, fmt.Errorf("%w: node %d log stream", ErrAuthExpired, node.ID)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: node %d log stream", ErrAuthFailed, node.ID)
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: node %d log stream: %v", ErrUnreachable, node.ID, lastErr)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &LineStream{
		lines: make(chan string, 64),
		close: func() {
			cancel()
			_ = conn.Close()
		},
	}

	// Close the socket when ctx ends so the read loop unblocks.
	go func() {
		<-streamCtx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(stream.lines)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					stream.setErr(err)
				}
				return
			}
			for _, line := range strings.Split(string(message), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				select {
				case stream.lines <- line:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	return stream, nil
}
