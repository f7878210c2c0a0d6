// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// SyncState is the observable state of the sync engine's global state
// machine.
type SyncState string

const (
	// SyncStopped is the terminal state; no further polls or retries run.
	SyncStopped SyncState = "STOPPED"
	// SyncPreparing covers push-rule priming and the initial full sync.
	SyncPreparing SyncState = "PREPARING"
	// SyncPrepared is entered exactly once, after the first full sync
	// completes and before the first incremental poll is issued.
	SyncPrepared SyncState = "PREPARED"
	// SyncSyncing is the steady state while long-polls succeed.
	SyncSyncing SyncState = "SYNCING"
	// SyncError is entered on any request failure and left again once the
	// retry of the failed step succeeds.
	SyncError SyncState = "ERROR"
)

// Notification is the closed set of events emitted on the session stream.
// Consumers switch over the concrete variants; there are no dynamic event
// names.
type Notification interface {
	isNotification()
}

// SyncStateUpdate is emitted on every global state machine transition. Err is
// set only when the new state is SyncError.
type SyncStateUpdate struct {
	New SyncState
	Old SyncState
	Err error
}

// EventArrived is emitted for every event applied to the local model.
type EventArrived struct {
	RoomID string
	Event  Event
}

// RoomFirstSeen is emitted when a room aggregate is created for a room ID
// the session has not seen before.
type RoomFirstSeen struct {
	Room *Room
}

// StateUpdate is emitted when a state event replaces an entry in a room's
// current state.
type StateUpdate struct {
	RoomID string
	Event  Event
}

// MembershipUpdate is emitted when an m.room.member event is applied.
// Previous carries the membership the target user had before the event.
type MembershipUpdate struct {
	RoomID   string
	Event    Event
	Previous string
}

// PresenceUpdate is emitted when an m.presence event updates a user snapshot.
type PresenceUpdate struct {
	User  *User
	Event Event
}

// ReceiptUpdate is emitted when a receipt event is applied to a room.
type ReceiptUpdate struct {
	RoomID string
	Event  Event
}

// TagsUpdate is emitted when a room's tags change.
type TagsUpdate struct {
	RoomID string
	Event  Event
}

func (SyncStateUpdate) isNotification()  {}
func (EventArrived) isNotification()     {}
func (RoomFirstSeen) isNotification()    {}
func (StateUpdate) isNotification()      {}
func (MembershipUpdate) isNotification() {}
func (PresenceUpdate) isNotification()   {}
func (ReceiptUpdate) isNotification()    {}
func (TagsUpdate) isNotification()       {}
