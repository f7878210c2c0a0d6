// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/lightsync/api"
	"github.com/element-hq/lightsync/types"
)

// errWatchdog marks a long-poll that exceeded its deadline without the
// underlying HTTP client noticing.
var errWatchdog = errors.New("poll watchdog fired before a response arrived")

type pollResult struct {
	body json.RawMessage
	err  error
}

// poll issues one incremental long-poll and applies its result. The request
// runs on its own goroutine so a hung connection cannot wedge the session: a
// watchdog set to the poll timeout plus a buffer abandons the attempt and
// any late result is discarded with the generation that produced it.
func (e *Engine) poll(ctx context.Context) error {
	// The session is syncing the moment it starts polling, not once the
	// first response lands.
	e.transition(types.SyncSyncing, nil)

	gen := e.pollGen.Inc()
	query := url.Values{
		"from":    []string{e.syncToken},
		"timeout": []string{strconv.FormatInt(e.cfg.PollTimeout.Milliseconds(), 10)},
	}
	e.addGuestRooms(query)

	started := time.Now()
	results := make(chan pollResult, 1)
	go func() {
		body, err := e.client.Do(ctx, "GET", api.PathEvents, query)
		results <- pollResult{body, err}
	}()

	watchdog := time.NewTimer(e.cfg.PollTimeout + e.cfg.WatchdogBuffer)
	defer watchdog.Stop()

	var res pollResult
	select {
	case res = <-results:
	case <-watchdog.C:
		e.log.WithField("poll_gen", gen).Warn("Poll watchdog fired, abandoning request")
		pollsCounter.With(prometheus.Labels{"outcome": "watchdog"}).Inc()
		return errWatchdog
	case <-ctx.Done():
		return ctx.Err()
	}
	pollDuration.Observe(time.Since(started).Seconds())
	if res.err != nil {
		pollsCounter.With(prometheus.Labels{"outcome": "error"}).Inc()
		return errors.Wrap(res.err, "incremental poll")
	}

	var resp api.EventsResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		pollsCounter.With(prometheus.Labels{"outcome": "error"}).Inc()
		return errors.Wrap(err, "parsing poll response")
	}
	if err := e.applyPollResponse(ctx, &resp); err != nil {
		return err
	}
	pollsCounter.With(prometheus.Labels{"outcome": "ok"}).Inc()
	return nil
}

// applyPollResponse applies a poll's event chunk to the model, persists
// every touched room and only then advances the sync token.
func (e *Engine) applyPollResponse(ctx context.Context, resp *api.EventsResponse) error {
	touched := map[string]bool{}
	for _, ev := range resp.Chunk {
		e.applyEvent(ctx, ev, touched)
	}
	for roomID := range touched {
		room := e.Room(roomID)
		if room == nil {
			continue
		}
		if err := e.store.StoreRoom(ctx, room); err != nil {
			return errors.Wrapf(err, "persisting room %s", roomID)
		}
	}
	if err := e.store.SetSyncToken(ctx, resp.End); err != nil {
		return errors.Wrap(err, "persisting sync token")
	}
	e.syncToken = resp.End
	return nil
}

// applyEvent routes a single event. A panic while applying is contained to
// that event; the rest of the chunk still lands.
func (e *Engine) applyEvent(ctx context.Context, ev types.Event, touched map[string]bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(map[string]interface{}{
				"event_id": ev.ID,
				"type":     ev.Type,
				"panic":    r,
			}).Errorf("Panic applying event\n%s", debug.Stack())
		}
	}()

	if ev.RoomID == "" {
		if ev.Type == "m.presence" {
			e.applyPresence(ctx, ev)
		}
		return
	}
	if !e.allowedRoom(ev.RoomID) {
		return
	}

	room := e.Room(ev.RoomID)
	if room == nil {
		if e.isSelfInvite(ev) {
			e.applyInviteEvent(ctx, ev)
			return
		}
		// An event for a room the session has never seen; fetch the whole
		// room rather than applying against empty state.
		if err := e.resyncRoom(ctx, ev.RoomID); err != nil {
			e.log.WithError(err).WithField("room_id", ev.RoomID).Warn("Room resync failed")
		}
		return
	}

	var previousMembership string
	if ev.Type == "m.room.member" && ev.StateKey != nil {
		previousMembership = room.Membership(*ev.StateKey)
	}

	if e.isSelfJoinTransition(room, ev) {
		// A just-accepted invite (or rejoin) means our current view of the
		// room is the stripped invite view; replace it wholesale.
		if err := e.resyncRoom(ctx, ev.RoomID); err != nil {
			e.log.WithError(err).WithField("room_id", ev.RoomID).Warn("Post-join resync failed")
			return
		}
		touched[ev.RoomID] = true
		return
	}

	room.ApplyLiveEvent(ev)
	touched[ev.RoomID] = true
	e.notify(types.EventArrived{RoomID: ev.RoomID, Event: ev})

	switch {
	case ev.Type == "m.room.member":
		room.RecomputeSummary()
		e.updateUserFromMember(ctx, ev)
		e.notify(types.MembershipUpdate{RoomID: ev.RoomID, Event: ev, Previous: previousMembership})
		e.maybeArchive(ev)
	case ev.Type == "m.receipt":
		e.notify(types.ReceiptUpdate{RoomID: ev.RoomID, Event: ev})
	case ev.Type == "m.tag":
		e.notify(types.TagsUpdate{RoomID: ev.RoomID, Event: ev})
	case ev.IsState():
		room.RecomputeSummary()
		e.notify(types.StateUpdate{RoomID: ev.RoomID, Event: ev})
	}
}

// isSelfInvite reports whether the event invites the syncing user.
func (e *Engine) isSelfInvite(ev types.Event) bool {
	return ev.Type == "m.room.member" &&
		ev.StateKey != nil && *ev.StateKey == e.cfg.UserID &&
		ev.Membership() == types.MembershipInvite
}

// isSelfJoinTransition reports whether the event moves the syncing user
// into the room from a non-joined membership.
func (e *Engine) isSelfJoinTransition(room *types.Room, ev types.Event) bool {
	if ev.Type != "m.room.member" || ev.StateKey == nil || *ev.StateKey != e.cfg.UserID {
		return false
	}
	if ev.Membership() != types.MembershipJoin {
		return false
	}
	return room.Membership(e.cfg.UserID) != types.MembershipJoin
}

// maybeArchive drops the room from the live set when the syncing user left
// or was banned and archived rooms are not wanted.
func (e *Engine) maybeArchive(ev types.Event) {
	if e.cfg.IncludeArchived {
		return
	}
	if ev.StateKey == nil || *ev.StateKey != e.cfg.UserID {
		return
	}
	switch ev.Membership() {
	case types.MembershipLeave, types.MembershipBan:
		e.mu.Lock()
		delete(e.rooms, ev.RoomID)
		e.mu.Unlock()
	}
}

// updateUserFromMember keeps the lazily created user snapshot for the
// member event's target in step with the profile fields it carries.
func (e *Engine) updateUserFromMember(ctx context.Context, ev types.Event) {
	target := ev.StateKeyValue()
	if target == "" {
		return
	}
	e.mu.Lock()
	user := e.users[target]
	if user == nil {
		user = types.NewUser(target)
		e.users[target] = user
	}
	user.UpdateFromMember(ev)
	e.mu.Unlock()
	if err := e.store.StoreUser(ctx, user); err != nil {
		e.log.WithError(err).WithField("target_user_id", target).Error("Failed to persist user")
	}
}

// applyPresence folds a presence event into the tracked user set.
func (e *Engine) applyPresence(ctx context.Context, ev types.Event) {
	if ev.Sender == "" {
		return
	}
	e.mu.Lock()
	user := e.users[ev.Sender]
	if user == nil {
		user = types.NewUser(ev.Sender)
		e.users[ev.Sender] = user
	}
	user.UpdateFromPresence(ev)
	e.mu.Unlock()
	if err := e.store.StoreUser(ctx, user); err != nil {
		e.log.WithError(err).WithField("target_user_id", ev.Sender).Error("Failed to persist user")
	}
	e.notify(types.PresenceUpdate{User: user, Event: ev})
}
