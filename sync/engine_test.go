// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/lightsync/api"
	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/storage"
	"github.com/element-hq/lightsync/storage/memory"
	"github.com/element-hq/lightsync/types"
)

// fakeTransport scripts responses per path. The events endpoint serves its
// scripted bodies once each and then blocks until the context is cancelled,
// mimicking an idle long-poll.
type fakeTransport struct {
	mu               gosync.Mutex
	initialSync      json.RawMessage
	initialSyncQuery url.Values
	pollBodies       []json.RawMessage
	pollDelay        time.Duration
	pollDelays       []time.Duration
	pollCalls        int
	pollQueries      []url.Values
	pushRuleCalls    int
	roomSyncs        map[string]json.RawMessage
	roomSyncDelay    time.Duration
	roomSyncCalls    int
	profiles         map[string]json.RawMessage
}

func (f *fakeTransport) Do(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	switch {
	case path == api.PathPushRules:
		f.mu.Lock()
		f.pushRuleCalls++
		f.mu.Unlock()
		return json.RawMessage(`{"global":{}}`), nil
	case path == api.PathInitialSync:
		f.mu.Lock()
		f.initialSyncQuery = query
		f.mu.Unlock()
		return f.initialSync, nil
	case path == api.PathEvents:
		f.mu.Lock()
		call := f.pollCalls
		f.pollCalls++
		f.pollQueries = append(f.pollQueries, query)
		delay := f.pollDelay
		if call < len(f.pollDelays) {
			delay = f.pollDelays[call]
		}
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if call < len(f.pollBodies) {
			return f.pollBodies[call], nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	case strings.HasPrefix(path, "/rooms/"):
		// The client escapes room IDs on the wire.
		roomID, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(path, "/rooms/"), "/initialSync"))
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.roomSyncCalls++
		body, ok := f.roomSyncs[roomID]
		delay := f.roomSyncDelay
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			return nil, fmt.Errorf("no scripted room sync for %s", roomID)
		}
		return body, nil
	case strings.HasPrefix(path, "/profile/"):
		userID := strings.TrimPrefix(path, "/profile/")
		f.mu.Lock()
		body, ok := f.profiles[userID]
		f.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no scripted profile for %s", userID)
		}
		return body, nil
	}
	return nil, fmt.Errorf("unexpected path %s", path)
}

func testConfig() *config.Sync {
	cfg := &config.Sync{}
	cfg.Defaults()
	cfg.UserID = "@alice:test"
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.WatchdogBuffer = 100 * time.Millisecond
	cfg.Storage.BatchSize = 4
	return cfg
}

func messageEvent(id, roomID, sender, body string) string {
	return fmt.Sprintf(
		`{"event_id":"%s","type":"m.room.message","room_id":"%s","sender":"%s","content":{"body":"%s"}}`,
		id, roomID, sender, body,
	)
}

func memberEvent(id, roomID, sender, target, membership string) string {
	return fmt.Sprintf(
		`{"event_id":"%s","type":"m.room.member","room_id":"%s","sender":"%s","state_key":"%s","content":{"membership":"%s"}}`,
		id, roomID, sender, target, membership,
	)
}

func initialSyncBody(end string, rooms ...string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"end":"%s","rooms":[%s]}`, end, strings.Join(rooms, ",")))
}

func joinedRoomPayload(roomID string, messages ...string) string {
	return fmt.Sprintf(
		`{"room_id":"%s","membership":"join","state":[%s],"messages":{"start":"b1","end":"b2","chunk":[%s]}}`,
		roomID,
		memberEvent("$m1"+roomID, roomID, "@alice:test", "@alice:test", "join"),
		strings.Join(messages, ","),
	)
}

// collect drains notifications until done returns true or the deadline hits.
func collect(t *testing.T, ch <-chan types.Notification, done func(types.Notification) bool) []types.Notification {
	t.Helper()
	var got []types.Notification
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-ch:
			got = append(got, n)
			if done(n) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification, got %d so far", len(got))
		}
	}
}

func stateSequence(notifs []types.Notification) []types.SyncState {
	var seq []types.SyncState
	for _, n := range notifs {
		if s, ok := n.(types.SyncStateUpdate); ok {
			seq = append(seq, s.New)
		}
	}
	return seq
}

func TestEngineLifecycle(t *testing.T) {
	roomID := "!life:test"
	transport := &fakeTransport{
		initialSync: initialSyncBody("tok1", joinedRoomPayload(roomID,
			messageEvent("$msg1", roomID, "@bob:test", "one"),
			messageEvent("$msg2", roomID, "@bob:test", "two"),
		)),
		pollBodies: []json.RawMessage{
			json.RawMessage(fmt.Sprintf(`{"end":"tok2","chunk":[%s]}`,
				messageEvent("$msg3", roomID, "@bob:test", "three"))),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	notifs := collect(t, e.Notifications(), func(n types.Notification) bool {
		ev, ok := n.(types.EventArrived)
		return ok && ev.Event.ID == "$msg3"
	})
	e.Stop()
	require.NoError(t, <-runDone)

	assert.Equal(t, []types.SyncState{
		types.SyncPreparing, types.SyncPrepared, types.SyncSyncing,
	}, stateSequence(notifs))

	room := e.Room(roomID)
	require.NotNil(t, room)
	assert.Equal(t, "$msg3", room.Timeline[0].ID)

	// The token only advanced after the poll was fully applied.
	token, err := store.GetSyncToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	stored, err := store.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "$msg3", stored.Timeline[0].ID)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.pushRuleCalls)
}

func TestEngineResumesFromPersistedToken(t *testing.T) {
	roomID := "!resume:test"
	transport := &fakeTransport{
		pollBodies: []json.RawMessage{
			json.RawMessage(fmt.Sprintf(`{"end":"tok9","chunk":[%s]}`,
				messageEvent("$later", roomID, "@bob:test", "later"))),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	ctx := context.Background()
	require.NoError(t, store.SetSyncToken(ctx, "tok8"))
	room := types.NewRoom(roomID)
	room.SetInitialState([]types.Event{mustEvent(memberEvent("$m1", roomID, "@alice:test", "@alice:test", "join"))})
	require.NoError(t, store.StoreRoom(ctx, room))

	e := NewEngine(cfg, transport, store)
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	notifs := collect(t, e.Notifications(), func(n types.Notification) bool {
		ev, ok := n.(types.EventArrived)
		return ok && ev.Event.ID == "$later"
	})
	e.Stop()
	require.NoError(t, <-runDone)

	// No initial sync ran: the first transition goes straight to SYNCING.
	assert.Equal(t, []types.SyncState{types.SyncSyncing}, stateSequence(notifs))
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 0, transport.pushRuleCalls)
}

func TestEngineInviteResolvesInvitedMemberProfile(t *testing.T) {
	roomID := "!invited:test"
	transport := &fakeTransport{
		initialSync: initialSyncBody("tok1"),
		pollBodies: []json.RawMessage{
			json.RawMessage(fmt.Sprintf(`{"end":"tok2","chunk":[%s]}`,
				memberEvent("$inv1", roomID, "@bob:test", "@alice:test", "invite"))),
		},
		profiles: map[string]json.RawMessage{
			"@alice:test": json.RawMessage(`{"displayname":"Alice","avatar_url":"mxc://test/alice"}`),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	var invited *types.Room
	var refired *types.MembershipUpdate
	collect(t, e.Notifications(), func(n types.Notification) bool {
		switch v := n.(type) {
		case types.RoomFirstSeen:
			if v.Room.RoomID == roomID {
				invited = v.Room
			}
		case types.MembershipUpdate:
			if v.RoomID == roomID {
				refired = &v
				return true
			}
		}
		return false
	})
	e.Stop()
	require.NoError(t, <-runDone)

	// The invited member's own profile lands on their member event, and the
	// enrichment re-fires the membership listeners.
	require.NotNil(t, invited)
	assert.Equal(t, types.MembershipInvite, invited.Membership("@alice:test"))
	member, ok := invited.CurrentState.Get("m.room.member", "@alice:test")
	require.True(t, ok)
	assert.Equal(t, "Alice", gjson.GetBytes(member.Content, "displayname").String())
	assert.Equal(t, "mxc://test/alice", gjson.GetBytes(member.Content, "avatar_url").String())
	require.NotNil(t, refired)
	assert.Equal(t, types.MembershipInvite, refired.Previous)
	assert.Equal(t, "Alice", gjson.GetBytes(refired.Event.Content, "displayname").String())
}

func TestInitialSyncResolvesInvitedMemberProfiles(t *testing.T) {
	roomID := "!heroes:test"
	payload := fmt.Sprintf(
		`{"room_id":"%s","membership":"join","state":[%s,%s]}`,
		roomID,
		memberEvent("$m1", roomID, "@alice:test", "@alice:test", "join"),
		memberEvent("$m2", roomID, "@alice:test", "@carol:test", "invite"),
	)
	transport := &fakeTransport{
		initialSync: initialSyncBody("tok1", payload),
		profiles: map[string]json.RawMessage{
			"@carol:test": json.RawMessage(`{"displayname":"Carol"}`),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	collect(t, e.Notifications(), func(n types.Notification) bool {
		m, ok := n.(types.MembershipUpdate)
		return ok && m.RoomID == roomID
	})
	e.Stop()
	require.NoError(t, <-runDone)

	room := e.Room(roomID)
	require.NotNil(t, room)
	// Carol is in invite state, so her profile is fetched; Alice is joined
	// and left alone.
	carol, ok := room.CurrentState.Get("m.room.member", "@carol:test")
	require.True(t, ok)
	assert.Equal(t, "Carol", gjson.GetBytes(carol.Content, "displayname").String())
	alice, ok := room.CurrentState.Get("m.room.member", "@alice:test")
	require.True(t, ok)
	assert.False(t, gjson.GetBytes(alice.Content, "displayname").Exists())
}

func TestEngineResyncsUnknownRoom(t *testing.T) {
	roomID := "!unknown:test"
	transport := &fakeTransport{
		initialSync: initialSyncBody("tok1"),
		pollBodies: []json.RawMessage{
			json.RawMessage(fmt.Sprintf(`{"end":"tok2","chunk":[%s]}`,
				messageEvent("$stray", roomID, "@bob:test", "hi"))),
		},
		roomSyncs: map[string]json.RawMessage{
			roomID: json.RawMessage(joinedRoomPayload(roomID,
				messageEvent("$old1", roomID, "@bob:test", "old"))),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	collect(t, e.Notifications(), func(n types.Notification) bool {
		fs, ok := n.(types.RoomFirstSeen)
		return ok && fs.Room.RoomID == roomID
	})
	e.Stop()
	require.NoError(t, <-runDone)

	room := e.Room(roomID)
	require.NotNil(t, room)
	assert.Equal(t, types.MembershipJoin, room.Membership("@alice:test"))
	assert.Equal(t, "$old1", room.Timeline[0].ID)
}

func TestEngineGuestSkipsPrimingAndFiltersRooms(t *testing.T) {
	allowed := "!allowed:test"
	denied := "!denied:test"
	transport := &fakeTransport{
		initialSync: initialSyncBody("tok1",
			joinedRoomPayload(allowed, messageEvent("$a1", allowed, "@bob:test", "in")),
			joinedRoomPayload(denied, messageEvent("$d1", denied, "@bob:test", "out")),
		),
	}
	cfg := testConfig()
	cfg.Guest = true
	cfg.GuestRoomIDs = []string{allowed}
	cfg.IncludeArchived = true
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	collect(t, e.Notifications(), func(n types.Notification) bool {
		s, ok := n.(types.SyncStateUpdate)
		return ok && s.New == types.SyncPrepared
	})
	e.Stop()
	require.NoError(t, <-runDone)

	assert.NotNil(t, e.Room(allowed))
	assert.Nil(t, e.Room(denied))
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 0, transport.pushRuleCalls)
	// The allowlist and archive preference travel on the wire too.
	assert.Equal(t, []string{allowed}, transport.initialSyncQuery["room_id"])
	assert.Equal(t, "true", transport.initialSyncQuery.Get("archived"))
	for _, q := range transport.pollQueries {
		assert.Equal(t, []string{allowed}, q["room_id"])
	}
}

func TestPollWatchdogAbandonsStuckRequest(t *testing.T) {
	roomID := "!watchdog:test"
	transport := &fakeTransport{
		// The first poll takes far longer than the watchdog allows and its
		// body must be thrown away; the retry answers immediately.
		pollDelays: []time.Duration{150 * time.Millisecond},
		pollBodies: []json.RawMessage{
			json.RawMessage(fmt.Sprintf(`{"end":"tokStale","chunk":[%s]}`,
				messageEvent("$late", roomID, "@bob:test", "late"))),
			json.RawMessage(`{"end":"tok2","chunk":[]}`),
		},
	}
	cfg := testConfig()
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.WatchdogBuffer = 20 * time.Millisecond
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)
	e.syncToken = "tok1"

	ctx := context.Background()
	err := e.poll(ctx)
	require.ErrorIs(t, err, errWatchdog)

	// The late first response is discarded; the retry applies cleanly and
	// advances the token past it.
	require.NoError(t, e.poll(ctx))
	token, err := store.GetSyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
}

func TestWatchdogRepollsWithoutBackoff(t *testing.T) {
	roomID := "!repoll:test"
	transport := &fakeTransport{
		pollDelays: []time.Duration{150 * time.Millisecond},
		pollBodies: []json.RawMessage{
			json.RawMessage(`{"end":"tokStale","chunk":[]}`),
			json.RawMessage(fmt.Sprintf(`{"end":"tok2","chunk":[%s]}`,
				messageEvent("$fresh", roomID, "@bob:test", "fresh"))),
		},
	}
	cfg := testConfig()
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.WatchdogBuffer = 20 * time.Millisecond
	store := memory.NewDatabase(&cfg.Storage, nil)
	ctx := context.Background()
	require.NoError(t, store.SetSyncToken(ctx, "tok1"))
	room := types.NewRoom(roomID)
	room.SetInitialState([]types.Event{mustEvent(memberEvent("$m1", roomID, "@alice:test", "@alice:test", "join"))})
	require.NoError(t, store.StoreRoom(ctx, room))

	e := NewEngine(cfg, transport, store)
	started := time.Now()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	notifs := collect(t, e.Notifications(), func(n types.Notification) bool {
		ev, ok := n.(types.EventArrived)
		return ok && ev.Event.ID == "$fresh"
	})
	elapsed := time.Since(started)
	e.Stop()
	require.NoError(t, <-runDone)

	// The abandoned poll rolls straight into the next one, well under the
	// smallest backoff interval, and never surfaces as an error state.
	assert.Less(t, elapsed, time.Second)
	assert.NotContains(t, stateSequence(notifs), types.SyncError)
}

func TestPollRetryDoesNotDuplicateEvents(t *testing.T) {
	roomID := "!redeliver:test"
	cfg := testConfig()
	store := &failingStore{Store: memory.NewDatabase(&cfg.Storage, nil), failures: 1}
	e := NewEngine(cfg, &fakeTransport{}, store)
	room := types.NewRoom(roomID)
	room.SetInitialState([]types.Event{mustEvent(memberEvent("$m1", roomID, "@alice:test", "@alice:test", "join"))})
	e.rooms[roomID] = room

	resp := &api.EventsResponse{
		End:   "tok2",
		Chunk: []types.Event{mustEvent(messageEvent("$once", roomID, "@bob:test", "hi"))},
	}
	ctx := context.Background()
	require.Error(t, e.applyPollResponse(ctx, resp))
	// The token never advanced, so the same chunk comes back on the retry.
	require.NoError(t, e.applyPollResponse(ctx, resp))

	count := 0
	for _, ev := range e.Room(roomID).Timeline {
		if ev.ID == "$once" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a redelivered event must land exactly once")
	assert.Equal(t, "tok2", e.syncToken)
}

// failingStore fails the first StoreRoom calls and then behaves normally.
type failingStore struct {
	storage.Store
	failures int
}

func (f *failingStore) StoreRoom(ctx context.Context, room *types.Room) error {
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("store unavailable")
	}
	return f.Store.StoreRoom(ctx, room)
}

func TestResyncCollapsesConcurrentRequests(t *testing.T) {
	roomID := "!flight:test"
	transport := &fakeTransport{
		roomSyncDelay: 50 * time.Millisecond,
		roomSyncs: map[string]json.RawMessage{
			roomID: json.RawMessage(joinedRoomPayload(roomID,
				messageEvent("$only", roomID, "@bob:test", "once"))),
		},
	}
	cfg := testConfig()
	store := memory.NewDatabase(&cfg.Storage, nil)
	e := NewEngine(cfg, transport, store)
	go func() {
		// Nobody runs the engine loop here; drain so registerRoom can emit.
		for range e.Notifications() {
		}
	}()

	var wg gosync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.resyncRoom(context.Background(), roomID))
		}()
	}
	wg.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.roomSyncCalls, "concurrent resyncs must collapse into one fetch")
}

func mustEvent(s string) types.Event {
	var ev types.Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		panic(err)
	}
	return ev
}
