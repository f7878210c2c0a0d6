// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/element-hq/lightsync/api"
)

// resyncRoom replaces the session's view of a single room with a fresh
// per-room initial sync. Concurrent requests for the same room collapse
// into one fetch.
func (e *Engine) resyncRoom(ctx context.Context, roomID string) error {
	_, err, _ := e.resyncGroup.Do(roomID, func() (interface{}, error) {
		resyncsCounter.Inc()
		body, err := e.client.Do(ctx, "GET", api.RoomInitialSyncPath(roomID), nil)
		if err != nil {
			return nil, errors.Wrapf(err, "room initial sync for %s", roomID)
		}
		var payload api.InitialSyncRoom
		if err = json.Unmarshal(body, &payload); err != nil {
			return nil, errors.Wrap(err, "parsing room initial sync response")
		}
		if payload.RoomID == "" {
			payload.RoomID = roomID
		}
		e.applyInitialSyncRoom(ctx, &payload)
		return nil, nil
	})
	return err
}
