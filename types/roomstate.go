// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"sort"
)

type stateKeyTuple struct {
	Type     string
	StateKey string
}

// RoomState holds the latest state event for every (type, state_key) pair in
// a room, plus the pagination token marking the earliest point at which the
// held state is known accurate. Events are stored by value with copied
// content bytes: two RoomState instances populated from the same events never
// share mutable data.
type RoomState struct {
	events map[stateKeyTuple]Event
	// PaginationToken marks the earliest point the held state is accurate for.
	PaginationToken string
}

// NewRoomState returns an empty state container.
func NewRoomState() *RoomState {
	return &RoomState{
		events: make(map[stateKeyTuple]Event),
	}
}

// Apply records a state event, replacing any previous event with the same
// (type, state_key). Non-state events are ignored.
func (s *RoomState) Apply(ev Event) {
	if !ev.IsState() {
		return
	}
	s.events[stateKeyTuple{Type: ev.Type, StateKey: ev.StateKeyValue()}] = ev.Copy()
}

// ApplyIfAbsent records a state event only when no event for its
// (type, state_key) is held yet. Used when older history fills in state keys
// that were unknown at the old timeline boundary.
func (s *RoomState) ApplyIfAbsent(ev Event) {
	if !ev.IsState() {
		return
	}
	key := stateKeyTuple{Type: ev.Type, StateKey: ev.StateKeyValue()}
	if _, ok := s.events[key]; !ok {
		s.events[key] = ev.Copy()
	}
}

// Get returns a copy of the held event for (evType, stateKey).
func (s *RoomState) Get(evType, stateKey string) (Event, bool) {
	ev, ok := s.events[stateKeyTuple{Type: evType, StateKey: stateKey}]
	if !ok {
		return Event{}, false
	}
	return ev.Copy(), true
}

// Members returns copies of all m.room.member events held in this state.
func (s *RoomState) Members() []Event {
	var members []Event
	for key, ev := range s.events {
		if key.Type == "m.room.member" {
			members = append(members, ev.Copy())
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].StateKeyValue() < members[j].StateKeyValue()
	})
	return members
}

// Events returns copies of all held state events, in no particular order
// beyond being deterministic for a given contents.
func (s *RoomState) Events() []Event {
	events := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		events = append(events, ev.Copy())
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type < events[j].Type
		}
		return events[i].StateKeyValue() < events[j].StateKeyValue()
	})
	return events
}

// Len returns the number of held state entries.
func (s *RoomState) Len() int {
	return len(s.events)
}

// Copy returns a structurally independent copy of the container.
func (s *RoomState) Copy() *RoomState {
	c := NewRoomState()
	c.PaginationToken = s.PaginationToken
	for key, ev := range s.events {
		c.events[key] = ev.Copy()
	}
	return c
}

type roomStateJSON struct {
	Events          []Event `json:"events"`
	PaginationToken string  `json:"pagination_token,omitempty"`
}

// MarshalJSON serializes the container for the room snapshot.
func (s *RoomState) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomStateJSON{
		Events:          s.Events(),
		PaginationToken: s.PaginationToken,
	})
}

// UnmarshalJSON restores a container from a room snapshot.
func (s *RoomState) UnmarshalJSON(data []byte) error {
	var raw roomStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.events = make(map[stateKeyTuple]Event, len(raw.Events))
	s.PaginationToken = raw.PaginationToken
	for _, ev := range raw.Events {
		s.Apply(ev)
	}
	return nil
}
