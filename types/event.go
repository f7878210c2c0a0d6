// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Membership values carried in m.room.member event content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Event is a single protocol event. Two events are the same event iff their
// IDs match; ordering within a room is the server-assigned arrival order, not
// the origin timestamp. Events are immutable once constructed - code that
// needs a modified variant must work on a Copy.
type Event struct {
	ID             string          `json:"event_id"`
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
}

// IsState returns true if this is a state event, i.e. it carries a state key.
// The empty string is a valid state key, so presence is what matters.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyValue returns the state key, or the empty string for non-state events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Membership returns the membership value from an m.room.member event's
// content, or the empty string.
func (e *Event) Membership() string {
	return gjson.GetBytes(e.Content, "membership").Str
}

// ContentDisplayName returns the displayname from the event content, if any.
func (e *Event) ContentDisplayName() string {
	return gjson.GetBytes(e.Content, "displayname").Str
}

// ContentAvatarURL returns the avatar_url from the event content, if any.
func (e *Event) ContentAvatarURL() string {
	return gjson.GetBytes(e.Content, "avatar_url").Str
}

// ContentName returns the name field from the event content (m.room.name).
func (e *Event) ContentName() string {
	return gjson.GetBytes(e.Content, "name").Str
}

// ContentTopic returns the topic field from the event content (m.room.topic).
func (e *Event) ContentTopic() string {
	return gjson.GetBytes(e.Content, "topic").Str
}

// ContentURL returns the url field from the event content (m.room.avatar).
func (e *Event) ContentURL() string {
	return gjson.GetBytes(e.Content, "url").Str
}

// Presence returns the presence value from an m.presence event's content.
func (e *Event) Presence() string {
	return gjson.GetBytes(e.Content, "presence").Str
}

// Copy returns a structurally independent copy of the event. The raw content
// bytes are duplicated so that mutating one copy can never be observed
// through another.
func (e Event) Copy() Event {
	c := e
	if e.StateKey != nil {
		sk := *e.StateKey
		c.StateKey = &sk
	}
	if e.Content != nil {
		c.Content = append(json.RawMessage{}, e.Content...)
	}
	if e.Unsigned != nil {
		c.Unsigned = append(json.RawMessage{}, e.Unsigned...)
	}
	return c
}

// CopyEvents deep-copies a slice of events.
func CopyEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i := range events {
		out[i] = events[i].Copy()
	}
	return out
}

// ReverseEvents returns a reversed copy of the given events, leaving the
// input untouched. The wire order of message chunks is chronological,
// whereas timeline addressing is newest-first, so chunks are reversed
// before they are applied.
func ReverseEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i := range events {
		out[len(events)-1-i] = events[i]
	}
	return out
}
