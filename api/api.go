// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the boundary to the authenticated transport that the
// sync engine consumes. The transport itself - connection handling, auth,
// retries at the HTTP layer - is provided by the embedding application.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"github.com/matrix-org/gomatrix"
)

// Paths used by the sync engine.
const (
	PathInitialSync = "/initialSync"
	PathEvents      = "/events"
	PathPushRules   = "/pushrules/"
)

// RoomInitialSyncPath returns the per-room initial sync path for a room.
func RoomInitialSyncPath(roomID string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/initialSync"
}

// ProfilePath returns the profile lookup path for a user.
func ProfilePath(userID string) string {
	return "/profile/" + url.PathEscape(userID)
}

// Transport performs a single authenticated request against the server and
// returns the raw JSON body. Errors from the server surface as
// gomatrix.HTTPError carrying the status code and response contents.
type Transport interface {
	Do(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error)
}

// HTTPStatus extracts the server status code from a transport error, or 0 if
// the error did not come from an HTTP response.
func HTTPStatus(err error) int {
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return 0
}
