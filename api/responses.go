// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"github.com/element-hq/lightsync/types"
)

// PaginationChunk is a window of timeline events with tokens for both ends.
// Chunk is in chronological (oldest-first) wire order.
type PaginationChunk struct {
	Start string        `json:"start,omitempty"`
	End   string        `json:"end,omitempty"`
	Chunk []types.Event `json:"chunk"`
}

// InitialSyncRoom is the per-room payload of GET /initialSync and of the
// per-room GET /rooms/{roomID}/initialSync.
type InitialSyncRoom struct {
	RoomID      string           `json:"room_id"`
	Membership  string           `json:"membership,omitempty"`
	Inviter     string           `json:"inviter,omitempty"`
	Invite      *types.Event     `json:"invite,omitempty"`
	Messages    *PaginationChunk `json:"messages,omitempty"`
	State       []types.Event    `json:"state,omitempty"`
	AccountData []types.Event    `json:"account_data,omitempty"`
	Receipts    []types.Event    `json:"receipts,omitempty"`
}

// InitialSyncResponse is the payload of GET /initialSync.
type InitialSyncResponse struct {
	End         string            `json:"end"`
	Presence    []types.Event     `json:"presence,omitempty"`
	Receipts    []types.Event     `json:"receipts,omitempty"`
	AccountData []types.Event     `json:"account_data,omitempty"`
	Rooms       []InitialSyncRoom `json:"rooms"`
}

// EventsResponse is the payload of the incremental long-poll GET /events.
// Chunk is in chronological arrival order; events without a room_id are
// global (presence and friends).
type EventsResponse struct {
	Start string        `json:"start,omitempty"`
	End   string        `json:"end"`
	Chunk []types.Event `json:"chunk"`
}

// ProfileResponse is the payload of GET /profile/{userID}.
type ProfileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
