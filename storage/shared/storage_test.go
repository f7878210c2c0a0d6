// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/storage/memory"
	"github.com/element-hq/lightsync/storage/shared"
	"github.com/element-hq/lightsync/types"
)

const testRoomID = "!abc:test"

func newTestDatabase(t *testing.T, batchSize int64) *shared.Database {
	t.Helper()
	return memory.NewDatabase(&config.Storage{Kind: "memory", BatchSize: batchSize}, nil)
}

// makeEvents returns n message events in chronological order.
func makeEvents(n int) []types.Event {
	events := make([]types.Event, n)
	for i := range events {
		events[i] = types.Event{
			ID:             fmt.Sprintf("$ev%d:test", i+1),
			Type:           "m.room.message",
			RoomID:         testRoomID,
			Sender:         "@alice:test",
			Content:        json.RawMessage(fmt.Sprintf(`{"body":"%d"}`, i+1)),
			OriginServerTS: int64(1000 + i),
		}
	}
	return events
}

func eventIDs(events []types.Event) []string {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}

func makeRoom(chronological []types.Event) *types.Room {
	room := types.NewRoom(testRoomID)
	room.InitializeTimeline(types.ReverseEvents(chronological), "prev_batch_token")
	return room
}

func TestFullInsertPartitionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)
	chronological := makeEvents(9)
	require.NoError(t, db.StoreRoom(ctx, makeRoom(chronological)))

	// Batch 0 holds the newest four events, higher keys get older.
	wantBatches := map[int64][]string{
		0: {"$ev9:test", "$ev8:test", "$ev7:test", "$ev6:test"},
		1: {"$ev5:test", "$ev4:test", "$ev3:test", "$ev2:test"},
		2: {"$ev1:test"},
	}
	for key, want := range wantBatches {
		events, ok, err := db.Batches.SelectBatch(ctx, nil, testRoomID, key)
		require.NoError(t, err)
		require.True(t, ok, "batch %d should exist", key)
		assert.Equal(t, want, eventIDs(events), "batch %d", key)
	}
	_, ok, err := db.Batches.SelectBatch(ctx, nil, testRoomID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	// Every batched event is indexed to its batch.
	for key, ids := range wantBatches {
		for _, id := range ids {
			gotKey, ok, err := db.Index.SelectBatchKey(ctx, nil, testRoomID, id)
			require.NoError(t, err)
			require.True(t, ok, "event %s should be indexed", id)
			assert.Equal(t, key, gotKey, "event %s", id)
		}
	}
}

func TestFullInsertUnboundedBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, -1)
	chronological := makeEvents(9)
	require.NoError(t, db.StoreRoom(ctx, makeRoom(chronological)))

	events, ok, err := db.Batches.SelectBatch(ctx, nil, testRoomID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, events, 9)
	_, ok, err = db.Batches.SelectBatch(ctx, nil, testRoomID, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementalInsertAndReconcile(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)

	// Full-insert four events, exactly filling batch 0.
	chronological := makeEvents(4)
	room := makeRoom(chronological)
	require.NoError(t, db.StoreRoom(ctx, room))

	// Five more events arrive live.
	extra := make([]types.Event, 5)
	for i := range extra {
		extra[i] = types.Event{
			ID:             fmt.Sprintf("$new%d:test", i+1),
			Type:           "m.room.message",
			RoomID:         testRoomID,
			Sender:         "@bob:test",
			Content:        json.RawMessage(`{"body":"new"}`),
			OriginServerTS: int64(2000 + i),
		}
		room.ApplyLiveEvent(extra[i])
	}
	require.NoError(t, db.StoreRoom(ctx, room))

	// The new events sit in the buffer, newest first, batches untouched.
	buffered, err := db.Buffer.SelectAll(ctx, nil, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"$new5:test", "$new4:test", "$new3:test", "$new2:test", "$new1:test"}, eventIDs(buffered))

	require.NoError(t, db.Reconcile(ctx, testRoomID))

	// Batch 0 was already full, so the four oldest buffered events form
	// batch -1 and the newest spills into batch -2.
	events, ok, err := db.Batches.SelectBatch(ctx, nil, testRoomID, -1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"$new4:test", "$new3:test", "$new2:test", "$new1:test"}, eventIDs(events))

	events, ok, err = db.Batches.SelectBatch(ctx, nil, testRoomID, -2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"$new5:test"}, eventIDs(events))

	buffered, err = db.Buffer.SelectAll(ctx, nil, testRoomID)
	require.NoError(t, err)
	assert.Empty(t, buffered)

	// Reconciling again changes nothing.
	require.NoError(t, db.Reconcile(ctx, testRoomID))
	_, ok, err = db.Batches.SelectBatch(ctx, nil, testRoomID, -3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconcileTopsUpPartialBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)

	chronological := makeEvents(3)
	room := makeRoom(chronological)
	require.NoError(t, db.StoreRoom(ctx, room))

	live := types.Event{
		ID:             "$new1:test",
		Type:           "m.room.message",
		RoomID:         testRoomID,
		Sender:         "@bob:test",
		Content:        json.RawMessage(`{"body":"new"}`),
		OriginServerTS: 2000,
	}
	room.ApplyLiveEvent(live)
	require.NoError(t, db.StoreRoom(ctx, room))
	require.NoError(t, db.Reconcile(ctx, testRoomID))

	// The buffered event tops batch 0 up to capacity, ahead of the older
	// contents.
	events, ok, err := db.Batches.SelectBatch(ctx, nil, testRoomID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"$new1:test", "$ev3:test", "$ev2:test", "$ev1:test"}, eventIDs(events))
	_, ok, err = db.Batches.SelectBatch(ctx, nil, testRoomID, -1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRoomReturnsNewestFirstWindow(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)

	chronological := makeEvents(4)
	room := makeRoom(chronological)
	require.NoError(t, db.StoreRoom(ctx, room))
	room.ApplyLiveEvent(types.Event{
		ID: "$new1:test", Type: "m.room.message", RoomID: testRoomID,
		Sender: "@bob:test", Content: json.RawMessage(`{"body":"new"}`), OriginServerTS: 2000,
	})
	require.NoError(t, db.StoreRoom(ctx, room))

	got, err := db.GetRoom(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t,
		[]string{"$new1:test", "$ev4:test", "$ev3:test", "$ev2:test", "$ev1:test"},
		eventIDs(got.Timeline))
}

func TestGetRoomUnknownIsTypedAbsence(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)
	room, err := db.GetRoom(ctx, "!nowhere:test")
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestPaginateTimeline(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)
	db.InitialWindowSize = 4

	chronological := makeEvents(9)
	require.NoError(t, db.StoreRoom(ctx, makeRoom(chronological)))

	room, err := db.GetRoom(ctx, testRoomID)
	require.NoError(t, err)
	require.Equal(t, 4, len(room.Timeline))
	require.Equal(t, "$ev6:test", room.OldestEvent().ID)

	older, err := db.PaginateTimeline(ctx, room, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"$ev5:test", "$ev4:test", "$ev3:test"}, eventIDs(older))
	room.PrependHistory(older, "")

	older, err = db.PaginateTimeline(ctx, room, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"$ev2:test", "$ev1:test"}, eventIDs(older))
	room.PrependHistory(older, "")

	// History exhausted: the miss is a defined empty result, not an error.
	older, err = db.PaginateTimeline(ctx, room, 10)
	require.NoError(t, err)
	assert.Empty(t, older)
}

func TestPurgeDropsOldestBatchAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)
	require.NoError(t, db.StoreRoom(ctx, makeRoom(makeEvents(9))))

	for _, wantHighest := range []int64{1, 0} {
		require.NoError(t, db.Purge(ctx, testRoomID))
		_, highest, ok, err := db.Batches.SelectBatchKeyRange(ctx, nil, testRoomID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, wantHighest, highest)
	}
	require.NoError(t, db.Purge(ctx, testRoomID))
	_, _, ok, err := db.Batches.SelectBatchKeyRange(ctx, nil, testRoomID)
	require.NoError(t, err)
	assert.False(t, ok)
	// Purging a room with no batches left stays a no-op.
	require.NoError(t, db.Purge(ctx, testRoomID))

	// Purged events are gone from the index too.
	_, ok, err = db.Index.SelectBatchKey(ctx, nil, testRoomID, "$ev1:test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)

	token, err := db.GetSyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", token)

	require.NoError(t, db.SetSyncToken(ctx, "s123_456"))
	token, err = db.GetSyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s123_456", token)
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)

	user, err := db.GetUser(ctx, "@alice:test")
	require.NoError(t, err)
	assert.Nil(t, user)

	require.NoError(t, db.StoreUser(ctx, &types.User{
		UserID: "@alice:test", Presence: "online", DisplayName: "Alice",
	}))
	user, err = db.GetUser(ctx, "@alice:test")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, "online", user.Presence)
}

func TestGetRoomsLoadsEveryPersistedRoom(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t, 4)
	for i := 0; i < 3; i++ {
		room := types.NewRoom(fmt.Sprintf("!room%d:test", i))
		require.NoError(t, db.StoreRoom(ctx, room))
	}
	rooms, err := db.GetRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 3)
}
