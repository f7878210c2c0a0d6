// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/util"

	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/tables"
	"github.com/element-hq/lightsync/types"
)

// defaultInitialWindow is how many timeline events GetRoom materializes when
// no explicit window size is configured.
const defaultInitialWindow = 50

// Database implements the store facade and the timeline persistence layer on
// top of the table contracts. The batching scheme keeps the write cost per
// incoming event bounded regardless of timeline length: new events go to the
// live buffer and are only folded into numbered batches during
// reconciliation.
type Database struct {
	DB     *sql.DB
	Writer sqlutil.Writer

	// BatchSize is the batch capacity B; tables.BatchCapacityUnbounded means
	// a single unbounded batch per room.
	BatchSize int64
	// InitialWindowSize is the target timeline window loaded by GetRoom.
	InitialWindowSize int

	Batches   tables.TimelineBatches
	Index     tables.TimelineIndex
	Buffer    tables.LiveBuffer
	Snapshots tables.RoomSnapshots
	Users     tables.Users
	Tokens    tables.SyncTokens

	// Cache fronts snapshot reads; may be nil.
	Cache *caching.RoomSnapshots
}

// GetSyncToken returns the persisted sync token, or "" if none is stored.
func (d *Database) GetSyncToken(ctx context.Context) (string, error) {
	return d.Tokens.SelectToken(ctx, nil)
}

// SetSyncToken durably replaces the process-wide sync token.
func (d *Database) SetSyncToken(ctx context.Context, token string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Tokens.UpsertToken(ctx, txn, token)
	})
}

// StoreRoom persists a room. From the caller's perspective this is a full
// replace; internally the first store of a room performs a full insert,
// while subsequent stores push only the events that are new since the last
// store onto the live buffer.
func (d *Database) StoreRoom(ctx context.Context, room *types.Room) error {
	snap := room.Snapshot()
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.Snapshots.SelectSnapshot(ctx, txn, room.RoomID)
		if err != nil {
			return err
		}
		stateChanged := true
		if existing == nil {
			if err = d.fullInsert(ctx, txn, room); err != nil {
				return err
			}
		} else {
			stateChanged, err = d.incrementalInsert(ctx, txn, room)
			if err != nil {
				return err
			}
		}
		if stateChanged {
			if err = d.Snapshots.UpsertSnapshot(ctx, txn, snap); err != nil {
				return err
			}
		}
		if d.Cache != nil {
			d.Cache.EvictRoomSnapshot(room.RoomID)
		}
		return nil
	})
}

// fullInsert partitions the room's newest-first timeline into batches of
// capacity BatchSize, keyed 0, 1, 2, ... from the newest-containing batch to
// the oldest, and rebuilds the event index. This is the expensive path; it
// only runs when no cheaper incremental path exists.
func (d *Database) fullInsert(ctx context.Context, txn *sql.Tx, room *types.Room) error {
	if err := d.Batches.DeleteAllBatches(ctx, txn, room.RoomID); err != nil {
		return err
	}
	if err := d.Index.DeleteAllEntries(ctx, txn, room.RoomID); err != nil {
		return err
	}
	if err := d.Buffer.Clear(ctx, txn, room.RoomID); err != nil {
		return err
	}
	timeline := room.Timeline
	if len(timeline) == 0 {
		return nil
	}
	capacity := int64(len(timeline))
	if d.BatchSize > 0 {
		capacity = d.BatchSize
	}
	var batchKey int64
	for start := int64(0); start < int64(len(timeline)); start += capacity {
		end := start + capacity
		if end > int64(len(timeline)) {
			end = int64(len(timeline))
		}
		chunk := timeline[start:end]
		if err := d.writeBatch(ctx, txn, room.RoomID, batchKey, chunk); err != nil {
			return err
		}
		batchKey++
	}
	util.GetLogger(ctx).WithField("room_id", room.RoomID).
		WithField("batches", batchKey).Debug("Full timeline insert")
	return nil
}

// incrementalInsert pushes the events that arrived since the last store onto
// the live buffer, leaving numbered batches and the index untouched. Returns
// whether any pushed event affects the room snapshot.
func (d *Database) incrementalInsert(ctx context.Context, txn *sql.Tx, room *types.Room) (stateChanged bool, err error) {
	watermark, err := d.newestStoredEventID(ctx, txn, room.RoomID)
	if err != nil {
		return false, err
	}
	var newEvents []types.Event
	if watermark == "" {
		newEvents = room.Timeline
	} else {
		newest := -1
		for i, ev := range room.Timeline {
			if ev.ID == watermark {
				newest = i
				break
			}
		}
		if newest == -1 {
			// The stored watermark is no longer in the in-memory timeline,
			// so there is no cheap way to line the two up. Re-insert from
			// scratch.
			if err = d.fullInsert(ctx, txn, room); err != nil {
				return false, err
			}
			return true, nil
		}
		newEvents = room.Timeline[:newest]
	}
	if len(newEvents) == 0 {
		return true, nil
	}
	// Push in chronological order so the last push - the newest event - ends
	// up addressed first in the buffer.
	for i := len(newEvents) - 1; i >= 0; i-- {
		if err = d.Buffer.Push(ctx, txn, room.RoomID, newEvents[i]); err != nil {
			return false, err
		}
		switch {
		case newEvents[i].IsState(), newEvents[i].Type == "m.receipt", newEvents[i].Type == "m.tag":
			stateChanged = true
		}
	}
	return stateChanged, nil
}

// newestStoredEventID returns the ID of the newest event already persisted
// for the room: the head of the live buffer if non-empty, else the head of
// the lowest-numbered batch.
func (d *Database) newestStoredEventID(ctx context.Context, txn *sql.Tx, roomID string) (string, error) {
	buffered, err := d.Buffer.SelectAll(ctx, txn, roomID)
	if err != nil {
		return "", err
	}
	if len(buffered) > 0 {
		return buffered[0].ID, nil
	}
	lowest, _, ok, err := d.Batches.SelectBatchKeyRange(ctx, txn, roomID)
	if err != nil || !ok {
		return "", err
	}
	events, exists, err := d.Batches.SelectBatch(ctx, txn, roomID, lowest)
	if err != nil || !exists || len(events) == 0 {
		return "", err
	}
	return events[0].ID, nil
}

func (d *Database) writeBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, events []types.Event) error {
	if err := d.Batches.UpsertBatch(ctx, txn, roomID, batchKey, events); err != nil {
		return err
	}
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return d.Index.UpsertEntries(ctx, txn, roomID, batchKey, ids)
}

// GetRoom loads a room aggregate: the state snapshot plus an initial
// timeline window starting at the lowest-numbered batch. Retrieval never
// reads the live buffer directly; if the buffer is non-empty it is
// reconciled first. Returns (nil, nil) for an unknown room.
func (d *Database) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	if err := d.Reconcile(ctx, roomID); err != nil {
		return nil, err
	}
	snap, err := d.getSnapshot(ctx, roomID)
	if err != nil || snap == nil {
		return nil, err
	}
	window := d.InitialWindowSize
	if window <= 0 {
		window = defaultInitialWindow
	}
	timeline, err := d.loadInitialWindow(ctx, roomID, window)
	if err != nil {
		return nil, err
	}
	return types.RoomFromSnapshot(snap, timeline), nil
}

func (d *Database) getSnapshot(ctx context.Context, roomID string) (*types.RoomSnapshot, error) {
	if d.Cache != nil {
		if snap, ok := d.Cache.GetRoomSnapshot(roomID); ok {
			return snap, nil
		}
	}
	snap, err := d.Snapshots.SelectSnapshot(ctx, nil, roomID)
	if err != nil || snap == nil {
		return nil, err
	}
	if d.Cache != nil {
		d.Cache.StoreRoomSnapshot(roomID, snap, int64(snap.OldState.Len()+snap.CurrentState.Len()+1))
	}
	return snap, nil
}

func (d *Database) loadInitialWindow(ctx context.Context, roomID string, window int) ([]types.Event, error) {
	lowest, highest, ok, err := d.Batches.SelectBatchKeyRange(ctx, nil, roomID)
	if err != nil || !ok {
		return nil, err
	}
	var acc []types.Event
	for key := lowest; key <= highest && len(acc) < window; key++ {
		events, exists, err := d.Batches.SelectBatch(ctx, nil, roomID, key)
		if err != nil {
			return nil, err
		}
		if exists {
			acc = append(acc, events...)
		}
	}
	return acc, nil
}

// GetRooms loads every persisted room.
func (d *Database) GetRooms(ctx context.Context) ([]*types.Room, error) {
	roomIDs, err := d.Snapshots.SelectRoomIDs(ctx, nil)
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Room, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		room, err := d.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if room != nil {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// StoreUser persists a user snapshot.
func (d *Database) StoreUser(ctx context.Context, user *types.User) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Users.UpsertUser(ctx, txn, user)
	})
}

// GetUser returns a persisted user snapshot, or (nil, nil) when unknown.
func (d *Database) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return d.Users.SelectUser(ctx, nil, userID)
}
