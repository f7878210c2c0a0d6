// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/element-hq/lightsync/api"
	"github.com/element-hq/lightsync/types"
)

// primePushRules fetches the account's push rules before the first sync so
// notification decisions are correct from the very first event. The rules
// themselves are kept verbatim; evaluation is the embedder's concern.
func (e *Engine) primePushRules(ctx context.Context) error {
	body, err := e.client.Do(ctx, "GET", api.PathPushRules, nil)
	if err != nil {
		return errors.Wrap(err, "fetching push rules")
	}
	e.mu.Lock()
	e.pushRules = body
	e.mu.Unlock()
	return nil
}

// PushRules returns the raw push rules fetched during preparation, or nil
// for guest sessions.
func (e *Engine) PushRules() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushRules
}

// initialSync performs the full state download that seeds the session.
func (e *Engine) initialSync(ctx context.Context) error {
	query := url.Values{"limit": []string{strconv.Itoa(e.cfg.InitialSyncLimit)}}
	if e.cfg.IncludeArchived {
		query.Set("archived", "true")
	}
	e.addGuestRooms(query)
	body, err := e.client.Do(ctx, "GET", api.PathInitialSync, query)
	if err != nil {
		return errors.Wrap(err, "initial sync request")
	}
	var resp api.InitialSyncResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return errors.Wrap(err, "parsing initial sync response")
	}

	for _, ev := range resp.Presence {
		e.applyPresence(ctx, ev)
	}
	for i := range resp.Rooms {
		e.applyInitialSyncRoom(ctx, &resp.Rooms[i])
	}

	// The token only advances once everything above has been applied and
	// persisted.
	if err = e.store.SetSyncToken(ctx, resp.End); err != nil {
		return errors.Wrap(err, "persisting sync token")
	}
	e.syncToken = resp.End
	e.log.WithField("rooms", len(resp.Rooms)).Info("Initial sync complete")
	return nil
}

// applyInitialSyncRoom builds a room aggregate from a full per-room payload
// and registers it with the session. Used both by the initial sync and by
// per-room resyncs.
func (e *Engine) applyInitialSyncRoom(ctx context.Context, payload *api.InitialSyncRoom) {
	if !e.allowedRoom(payload.RoomID) {
		return
	}
	switch payload.Membership {
	case types.MembershipInvite:
		e.applyInvitedRoom(ctx, payload)
		return
	case types.MembershipLeave, types.MembershipBan:
		if !e.cfg.IncludeArchived {
			return
		}
	}

	room := types.NewRoom(payload.RoomID)
	room.SetInitialState(payload.State)
	if payload.Messages != nil {
		room.InitializeTimeline(types.ReverseEvents(payload.Messages.Chunk), payload.Messages.Start)
	}
	for _, ev := range payload.AccountData {
		if ev.Type == "m.tag" {
			room.ApplyLiveEvent(ev)
		}
	}
	for _, ev := range payload.Receipts {
		room.ApplyLiveEvent(ev)
	}
	enriched := e.resolveInvitedMembers(ctx, room)
	room.RecomputeSummary()
	e.registerRoom(ctx, room)
	for _, member := range enriched {
		e.notify(types.MembershipUpdate{RoomID: room.RoomID, Event: member, Previous: types.MembershipInvite})
	}
}

// registerRoom installs (or replaces) a room aggregate, persists it and
// emits RoomFirstSeen when the room ID is new to the session.
func (e *Engine) registerRoom(ctx context.Context, room *types.Room) {
	e.mu.Lock()
	_, known := e.rooms[room.RoomID]
	e.rooms[room.RoomID] = room
	e.mu.Unlock()
	if err := e.store.StoreRoom(ctx, room); err != nil {
		e.log.WithError(err).WithField("room_id", room.RoomID).Error("Failed to persist room")
	}
	if !known {
		e.notify(types.RoomFirstSeen{Room: room})
	}
}
