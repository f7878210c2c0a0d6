// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"

	"github.com/tidwall/sjson"

	"github.com/element-hq/lightsync/api"
	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/types"
)

// applyInvitedRoom builds the stripped room aggregate for an invite carried
// in a full sync payload.
func (e *Engine) applyInvitedRoom(ctx context.Context, payload *api.InitialSyncRoom) {
	if payload.Invite == nil {
		return
	}
	ev := *payload.Invite
	if ev.RoomID == "" {
		ev.RoomID = payload.RoomID
	}
	e.applyInviteEvent(ctx, ev)
}

// applyInviteEvent creates the invite-state room for the syncing user and
// enriches the invited member event with the member's own profile before the
// room is registered, so the first notification a consumer sees already
// carries a displayable name.
func (e *Engine) applyInviteEvent(ctx context.Context, ev types.Event) {
	// The room may have been resynced while the event sat in the chunk;
	// never downgrade a joined room back to its invite view.
	if existing := e.Room(ev.RoomID); existing != nil &&
		existing.Membership(e.cfg.UserID) == types.MembershipJoin {
		return
	}
	room := types.NewRoom(ev.RoomID)
	room.SetInitialState([]types.Event{ev})
	enriched := e.resolveInvitedMembers(ctx, room)
	room.RecomputeSummary()
	e.registerRoom(ctx, room)
	for _, member := range enriched {
		e.notify(types.MembershipUpdate{RoomID: room.RoomID, Event: member, Previous: types.MembershipInvite})
	}
}

// resolveInvitedMembers fetches the profile of every member currently in
// invite state and attaches it to that member's stored invite event. Failure
// to resolve a profile degrades to the bare event. The enriched member
// events are returned so the caller can re-fire membership listeners once
// the room is registered.
func (e *Engine) resolveInvitedMembers(ctx context.Context, room *types.Room) []types.Event {
	var enriched []types.Event
	for _, member := range room.CurrentState.Members() {
		if member.Membership() != types.MembershipInvite {
			continue
		}
		userID := member.StateKeyValue()
		profile, ok := e.resolveProfile(ctx, userID)
		if !ok {
			continue
		}
		// Only attach while the member is still invited; the fetch may have
		// outlived the invite.
		current, ok := room.CurrentState.Get("m.room.member", userID)
		if !ok || current.Membership() != types.MembershipInvite {
			continue
		}
		ev := attachMemberProfile(current, profile)
		room.CurrentState.Apply(ev)
		enriched = append(enriched, ev)
	}
	return enriched
}

// resolveProfile returns a user's profile, consulting the TTL cache before
// the network.
func (e *Engine) resolveProfile(ctx context.Context, userID string) (caching.Profile, bool) {
	if profile, ok := e.profiles.GetProfile(userID); ok {
		return profile, true
	}
	body, err := e.client.Do(ctx, "GET", api.ProfilePath(userID), nil)
	if err != nil {
		e.log.WithError(err).WithField("target_user_id", userID).Debug("Profile lookup failed")
		return caching.Profile{}, false
	}
	var resp api.ProfileResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return caching.Profile{}, false
	}
	profile := caching.Profile{DisplayName: resp.DisplayName, AvatarURL: resp.AvatarURL}
	e.profiles.StoreProfile(userID, profile)
	return profile, true
}

// attachMemberProfile rewrites a member event's content with the member's
// resolved profile fields so downstream consumers need no second lookup.
func attachMemberProfile(ev types.Event, profile caching.Profile) types.Event {
	content := string(ev.Content)
	if profile.DisplayName != "" {
		content, _ = sjson.Set(content, "displayname", profile.DisplayName)
	}
	if profile.AvatarURL != "" {
		content, _ = sjson.Set(content, "avatar_url", profile.AvatarURL)
	}
	ev.Content = json.RawMessage(content)
	return ev
}
