// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync implements the client-side sync session: a single control
// goroutine drives push-rule priming, the initial full sync and the
// incremental long-poll loop, applies everything to the local room model and
// persists it through the storage facade.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/lightsync/api"
	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/storage"
	"github.com/element-hq/lightsync/types"
)

// Engine is a sync session. All mutation of the room model happens on the
// goroutine running Run. Accessors return the live aggregates, not copies:
// treat them as owned by the sync goroutine and read them in response to a
// notification or after Stop.
type Engine struct {
	cfg       *config.Sync
	client    api.Transport
	store     storage.Store
	sessionID string
	log       *logrus.Entry

	state    uatomic.String
	stopped  uatomic.Bool
	cancel   context.CancelFunc
	cancelMu sync.Mutex

	mu        sync.Mutex
	rooms     map[string]*types.Room
	users     map[string]*types.User
	pushRules json.RawMessage

	// syncToken is only advanced after a full response has been applied and
	// persisted, so a crash replays the last window instead of losing it.
	syncToken string

	profiles    *caching.Profiles
	resyncGroup singleflight.Group
	pollGen     uatomic.Uint64

	notifs chan types.Notification
}

// NewEngine creates a sync session over the given transport and store.
func NewEngine(cfg *config.Sync, client api.Transport, store storage.Store) *Engine {
	sessionID := uuid.NewString()
	e := &Engine{
		cfg:       cfg,
		client:    client,
		store:     store,
		sessionID: sessionID,
		log: logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    cfg.UserID,
		}),
		rooms:    map[string]*types.Room{},
		users:    map[string]*types.User{},
		profiles: caching.NewProfiles(cfg.ProfileCacheTTL),
		notifs:   make(chan types.Notification, cfg.NotificationBuffer),
	}
	e.state.Store(string(types.SyncStopped))
	return e
}

// Notifications returns the stream the session publishes on. The channel is
// buffered; a consumer that stops draining it will eventually stall the sync
// loop rather than grow memory without bound.
func (e *Engine) Notifications() <-chan types.Notification {
	return e.notifs
}

// State returns the current state of the global state machine.
func (e *Engine) State() types.SyncState {
	return types.SyncState(e.state.Load())
}

// Room returns the live room aggregate for the given ID, or nil.
func (e *Engine) Room(roomID string) *types.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms[roomID]
}

// Rooms returns the live room aggregates.
func (e *Engine) Rooms() []*types.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	rooms := make([]*types.Room, 0, len(e.rooms))
	for _, room := range e.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// User returns the tracked user snapshot for the given ID, or nil.
func (e *Engine) User(userID string) *types.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.users[userID]
}

// Stop terminates the session. Any in-flight request is cancelled, the
// state machine moves to STOPPED and Run returns. Stop is idempotent.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancelMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancelMu.Unlock()
}

// Run drives the session until Stop is called or the context is cancelled.
// The session resumes from persisted state: if a sync token survives from a
// previous run the initial full sync is skipped and polling picks up where
// it left off.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer cancel()
	defer e.transition(types.SyncStopped, nil)

	if err := e.loadPersisted(ctx); err != nil {
		return err
	}

	backoff := newBackoff()
	steps := e.steps()
	for i := 0; i < len(steps); {
		if err := ctx.Err(); err != nil || e.stopped.Load() {
			return nil
		}
		step := steps[i]
		if err := step.run(ctx); err != nil {
			if ctx.Err() != nil || e.stopped.Load() {
				return nil
			}
			if errors.Is(err, errWatchdog) {
				// A fired watchdog proactively starts the next poll; the
				// backoff is reserved for transport errors.
				continue
			}
			e.transition(types.SyncError, err)
			e.log.WithError(err).WithField("step", step.name).Warn("Sync step failed, backing off")
			if !backoff.wait(ctx) {
				return nil
			}
			// Retry the same step; it picks up exactly where it failed.
			continue
		}
		backoff.reset()
		i++
		if i == len(steps) {
			// The poll step repeats forever once reached.
			i = len(steps) - 1
		}
	}
	return nil
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (e *Engine) steps() []step {
	var steps []step
	if e.syncToken == "" {
		steps = append(steps, step{"prepare", e.prepare})
		steps = append(steps, step{"initial_sync", e.initialSync})
		steps = append(steps, step{"prepared", func(ctx context.Context) error {
			e.transition(types.SyncPrepared, nil)
			return nil
		}})
	} else {
		e.log.WithField("token", e.syncToken).Info("Resuming sync from persisted token")
	}
	steps = append(steps, step{"poll", e.poll})
	return steps
}

// prepare covers everything before the initial sync. Guests have no push
// rules to prime.
func (e *Engine) prepare(ctx context.Context) error {
	e.transition(types.SyncPreparing, nil)
	if e.cfg.Guest {
		return nil
	}
	return e.primePushRules(ctx)
}

// loadPersisted restores rooms, the tracked self user and the sync token
// from the store so a restarted session carries on incrementally.
func (e *Engine) loadPersisted(ctx context.Context) error {
	token, err := e.store.GetSyncToken(ctx)
	if err != nil {
		return err
	}
	e.syncToken = token
	if token == "" {
		return nil
	}
	rooms, err := e.store.GetRooms(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, room := range rooms {
		e.rooms[room.RoomID] = room
	}
	e.mu.Unlock()
	if user, err := e.store.GetUser(ctx, e.cfg.UserID); err != nil {
		return err
	} else if user != nil {
		e.mu.Lock()
		e.users[user.UserID] = user
		e.mu.Unlock()
	}
	e.log.WithField("rooms", len(rooms)).Info("Restored persisted session state")
	return nil
}

// transition moves the global state machine and emits the update. Repeated
// transitions to the current state are swallowed.
func (e *Engine) transition(to types.SyncState, err error) {
	from := types.SyncState(e.state.Swap(string(to)))
	if from == to {
		return
	}
	e.notify(types.SyncStateUpdate{New: to, Old: from, Err: err})
}

// notify publishes on the session stream. Delivery blocks once the buffer
// is full so the model and its observers cannot drift apart. After Stop the
// send turns best-effort; the consumer may already be gone.
func (e *Engine) notify(n types.Notification) {
	if e.stopped.Load() {
		select {
		case e.notifs <- n:
		default:
		}
		return
	}
	e.notifs <- n
}

// addGuestRooms attaches the guest room allowlist to a request query so the
// server never sends events the session would drop anyway.
func (e *Engine) addGuestRooms(query url.Values) {
	if !e.cfg.Guest {
		return
	}
	for _, roomID := range e.cfg.GuestRoomIDs {
		query.Add("room_id", roomID)
	}
}

// allowedRoom applies the guest room allowlist.
func (e *Engine) allowedRoom(roomID string) bool {
	if !e.cfg.Guest {
		return true
	}
	for _, id := range e.cfg.GuestRoomIDs {
		if id == roomID {
			return true
		}
	}
	return false
}
