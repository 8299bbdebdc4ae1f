// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// User is the panel's view of an account, reduced to the fields the
// engine acts on.
type User struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	GroupIDs []int  `json:"group_ids"`
}

// Statuses the engine writes back to the panel.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// usersPageSize is the pagination window for the full user listing.
const usersPageSize = 500

// Users fetches every user on the panel, paginating until the reported
// total is reached. Used by the cleanup pass and startup recovery.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var all []User
	offset := 0
	for {
		var page struct {
			Users []User `json:"users"`
			Total int    `json:"total"`
		}
		path := fmt.Sprintf("/api/users?offset=%d&limit=%d", offset, usersPageSize)
		if err := c.doWithRetry(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Users...)
		offset += len(page.Users)
		if len(page.Users) == 0 || offset >= page.Total {
			return all, nil
		}
	}
}

// UserDetails fetches a single user. Returns ErrUserNotFound when the
// panel does not know the username.
func (c *Client) UserDetails(ctx context.Context, username string) (User, error) {
	var user User
	err := c.doWithRetry(ctx, http.MethodGet, "/api/user/"+username, nil, &user)
	return user, err
}

// UserExists reports whether the panel knows the username. Lookup
// failures other than not-found propagate so a flaky panel is not
// mistaken for a deleted user.
func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	_, err := c.UserDetails(ctx, username)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return false, err
}

// SetStatus writes the user's status (StatusActive or StatusDisabled).
func (c *Client) SetStatus(ctx context.Context, username, status string) error {
	body := map[string]string{"status": status}
	return c.doWithRetry(ctx, http.MethodPut, "/api/user/"+username, body, nil)
}

// SetGroups replaces the user's group membership.
func (c *Client) SetGroups(ctx context.Context, username string, groupIDs []int) error {
	body := map[string][]int{"group_ids": groupIDs}
	return c.doWithRetry(ctx, http.MethodPut, "/api/user/"+username, body, nil)
}
