// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"strings"
)

// RoomSummary is the display metadata derived from a room's current state.
type RoomSummary struct {
	Name         string `json:"name,omitempty"`
	Topic        string `json:"topic,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	JoinedCount  int    `json:"joined_count"`
	InvitedCount int    `json:"invited_count"`
}

// Room is the aggregate for a single room: its timeline, its old and current
// state containers and derived metadata. The timeline is addressed
// newest-first: Timeline[0] is the most recent event, the last element is the
// oldest materialized one. OldState reflects room state as of that oldest
// event, CurrentState as of the newest; they start identical and diverge only
// as the timeline is extended at either end.
//
// The Room owns its timeline and both state containers exclusively. All
// mutation goes through the methods below; no other component writes to the
// fields directly.
type Room struct {
	RoomID       string
	Timeline     []Event
	OldState     *RoomState
	CurrentState *RoomState
	Summary      RoomSummary
	Tags         map[string]json.RawMessage
	Receipts     map[string]json.RawMessage
}

// NewRoom creates an empty room aggregate. Old and current state start out
// as identical (empty) containers.
func NewRoom(roomID string) *Room {
	return &Room{
		RoomID:       roomID,
		OldState:     NewRoomState(),
		CurrentState: NewRoomState(),
		Tags:         make(map[string]json.RawMessage),
		Receipts:     make(map[string]json.RawMessage),
	}
}

// SetInitialState populates both state containers from a full state event
// list. Each container is populated by value, so later mutation of the
// current state can never leak backward into the old one.
func (r *Room) SetInitialState(stateEvents []Event) {
	r.OldState = NewRoomState()
	r.CurrentState = NewRoomState()
	for _, ev := range stateEvents {
		r.OldState.Apply(ev)
		r.CurrentState.Apply(ev)
	}
}

// InitializeTimeline replaces the timeline with a newest-first event slice
// and records the pagination token for the old end of the window.
func (r *Room) InitializeTimeline(newestFirst []Event, paginationToken string) {
	r.Timeline = CopyEvents(newestFirst)
	r.OldState.PaginationToken = paginationToken
}

// ApplyLiveEvent appends a newly arrived event at the new end of the
// timeline and folds any state change into the current state container only.
// Ephemeral events update their side containers without touching the
// timeline.
func (r *Room) ApplyLiveEvent(ev Event) {
	switch ev.Type {
	case "m.receipt":
		if ev.Sender != "" {
			r.Receipts[ev.Sender] = append(json.RawMessage{}, ev.Content...)
		}
		return
	case "m.tag":
		r.Tags["m.tag"] = append(json.RawMessage{}, ev.Content...)
		return
	case "m.typing":
		return
	}
	// Events are identified by ID; a redelivered event is already part of
	// the timeline and must not land twice.
	if ev.ID != "" {
		for i := range r.Timeline {
			if r.Timeline[i].ID == ev.ID {
				return
			}
		}
	}
	r.Timeline = append([]Event{ev.Copy()}, r.Timeline...)
	r.CurrentState.Apply(ev)
}

// PrependHistory extends the old end of the timeline with older events
// (newest-first, consistent with timeline addressing). State events among
// them only fill keys unknown at the old boundary; existing old-state entries
// are already newer and win.
func (r *Room) PrependHistory(older []Event, paginationToken string) {
	r.Timeline = append(r.Timeline, CopyEvents(older)...)
	for _, ev := range older {
		r.OldState.ApplyIfAbsent(ev)
	}
	if paginationToken != "" {
		r.OldState.PaginationToken = paginationToken
	}
}

// OldestEvent returns a pointer to a copy of the oldest materialized
// timeline event, or nil for an empty timeline.
func (r *Room) OldestEvent() *Event {
	if len(r.Timeline) == 0 {
		return nil
	}
	ev := r.Timeline[len(r.Timeline)-1].Copy()
	return &ev
}

// Membership returns the current membership of the given user in this room,
// or the empty string if no member event is held.
func (r *Room) Membership(userID string) string {
	ev, ok := r.CurrentState.Get("m.room.member", userID)
	if !ok {
		return ""
	}
	return ev.Membership()
}

// RecomputeSummary rebuilds the derived display metadata from current state:
// explicit name/topic/avatar events win, otherwise the name falls back to the
// display names of up to three other members.
func (r *Room) RecomputeSummary() {
	summary := RoomSummary{}
	if ev, ok := r.CurrentState.Get("m.room.name", ""); ok {
		summary.Name = ev.ContentName()
	}
	if ev, ok := r.CurrentState.Get("m.room.topic", ""); ok {
		summary.Topic = ev.ContentTopic()
	}
	if ev, ok := r.CurrentState.Get("m.room.avatar", ""); ok {
		summary.AvatarURL = ev.ContentURL()
	}

	var heroes []string
	for _, member := range r.CurrentState.Members() {
		switch member.Membership() {
		case MembershipJoin:
			summary.JoinedCount++
		case MembershipInvite:
			summary.InvitedCount++
		default:
			continue
		}
		if len(heroes) < 3 {
			if name := member.ContentDisplayName(); name != "" {
				heroes = append(heroes, name)
			} else {
				heroes = append(heroes, member.StateKeyValue())
			}
		}
	}
	if summary.Name == "" && len(heroes) > 0 {
		summary.Name = strings.Join(heroes, ", ")
	}
	r.Summary = summary
}

// RoomSnapshot is the serializable form of a room minus its timeline, which
// the persistence layer stores separately as batches.
type RoomSnapshot struct {
	RoomID       string                     `json:"room_id"`
	OldState     *RoomState                 `json:"old_state"`
	CurrentState *RoomState                 `json:"current_state"`
	Summary      RoomSummary                `json:"summary"`
	Tags         map[string]json.RawMessage `json:"tags,omitempty"`
	Receipts     map[string]json.RawMessage `json:"receipts,omitempty"`
}

// Snapshot captures the room's state for persistence. The snapshot holds
// copies, never references into the live aggregate.
func (r *Room) Snapshot() *RoomSnapshot {
	snap := &RoomSnapshot{
		RoomID:       r.RoomID,
		OldState:     r.OldState.Copy(),
		CurrentState: r.CurrentState.Copy(),
		Summary:      r.Summary,
	}
	if len(r.Tags) > 0 {
		snap.Tags = make(map[string]json.RawMessage, len(r.Tags))
		for k, v := range r.Tags {
			snap.Tags[k] = append(json.RawMessage{}, v...)
		}
	}
	if len(r.Receipts) > 0 {
		snap.Receipts = make(map[string]json.RawMessage, len(r.Receipts))
		for k, v := range r.Receipts {
			snap.Receipts[k] = append(json.RawMessage{}, v...)
		}
	}
	return snap
}

// RoomFromSnapshot rebuilds a room aggregate from a stored snapshot and a
// newest-first timeline window.
func RoomFromSnapshot(snap *RoomSnapshot, timeline []Event) *Room {
	r := NewRoom(snap.RoomID)
	if snap.OldState != nil {
		r.OldState = snap.OldState.Copy()
	}
	if snap.CurrentState != nil {
		r.CurrentState = snap.CurrentState.Copy()
	}
	r.Summary = snap.Summary
	for k, v := range snap.Tags {
		r.Tags[k] = append(json.RawMessage{}, v...)
	}
	for k, v := range snap.Receipts {
		r.Receipts[k] = append(json.RawMessage{}, v...)
	}
	r.Timeline = CopyEvents(timeline)
	return r
}
