// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import (
	"context"
	"net/http"
)

// Node is a panel-managed edge server whose connection logs can be
// streamed.
type Node struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// Connected reports whether the panel considers the node reachable.
// Only connected nodes are worth opening a log stream to.
func (n Node) Connected() bool {
	return n.Status == "connected"
}

// Nodes fetches the registered node list.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.doWithRetry(ctx, http.MethodGet, "/api/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
