// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package panel

import "errors"

// Structured error reasons surfaced to callers. The engine branches on
// these: not-found removes tracking state, auth errors force a token
// refresh, everything else is transient and retried.
var (
	// ErrAuthExpired indicates the panel rejected our token. The token
	// cache is invalidated before this is returned.
	ErrAuthExpired = errors.New("panel: auth token rejected")

	// ErrAuthFailed indicates credentials were rejected outright, not
	// just an expired token. Retrying without operator action is useless.
	ErrAuthFailed = errors.New("panel: authentication failed")

	// ErrUserNotFound indicates the panel does not know the user,
	// typically because it was deleted.
	ErrUserNotFound = errors.New("panel: user not found")

	// ErrUnreachable indicates the panel could not be reached on any
	// scheme within the retry budget.
	ErrUnreachable = errors.New("panel: unreachable")
)
