// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/lightsync/types"
)

// Reconcile folds the live buffer into numbered batches and clears it. The
// buffer's chronologically oldest entries first top up the lowest existing
// batch to capacity, then fresh batches are allocated below it at keys
// lowest-1, lowest-2 and so on, each taking the oldest remaining entries.
// The entire fold runs in a single transaction; a no-op when the buffer is
// empty.
func (d *Database) Reconcile(ctx context.Context, roomID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.reconcileTxn(ctx, txn, roomID)
	})
}

func (d *Database) reconcileTxn(ctx context.Context, txn *sql.Tx, roomID string) error {
	buffered, err := d.Buffer.SelectAll(ctx, txn, roomID)
	if err != nil {
		return err
	}
	if len(buffered) == 0 {
		return nil
	}
	lowest, _, ok, err := d.Batches.SelectBatchKeyRange(ctx, txn, roomID)
	if err != nil {
		return err
	}
	if !ok {
		// No batches yet for this room, so the fold degenerates into a full
		// insert of the buffered events.
		if err = d.allocateDown(ctx, txn, roomID, 0, 1, buffered); err != nil {
			return err
		}
		return d.Buffer.Clear(ctx, txn, roomID)
	}
	if d.BatchSize <= 0 {
		// Single unbounded batch: everything buffered is newer than its
		// current contents, so it merges in at the front.
		existing, _, err := d.Batches.SelectBatch(ctx, txn, roomID, lowest)
		if err != nil {
			return err
		}
		merged := make([]types.Event, 0, len(buffered)+len(existing))
		merged = append(merged, buffered...)
		merged = append(merged, existing...)
		if err = d.writeBatch(ctx, txn, roomID, lowest, merged); err != nil {
			return err
		}
		return d.Buffer.Clear(ctx, txn, roomID)
	}
	existing, _, err := d.Batches.SelectBatch(ctx, txn, roomID, lowest)
	if err != nil {
		return err
	}
	if free := d.BatchSize - int64(len(existing)); free > 0 {
		move := free
		if move > int64(len(buffered)) {
			move = int64(len(buffered))
		}
		// The moved events are newer than everything already in the batch,
		// so they slot in ahead of it.
		moved := buffered[int64(len(buffered))-move:]
		topped := make([]types.Event, 0, int64(len(existing))+move)
		topped = append(topped, moved...)
		topped = append(topped, existing...)
		if err = d.writeBatch(ctx, txn, roomID, lowest, topped); err != nil {
			return err
		}
		buffered = buffered[:int64(len(buffered))-move]
	}
	if err = d.allocateDown(ctx, txn, roomID, lowest-1, -1, buffered); err != nil {
		return err
	}
	return d.Buffer.Clear(ctx, txn, roomID)
}

// allocateDown writes the remaining buffered events, oldest first, into
// fresh batches starting at startKey and stepping by step per batch.
func (d *Database) allocateDown(ctx context.Context, txn *sql.Tx, roomID string, startKey, step int64, buffered []types.Event) error {
	capacity := int64(len(buffered))
	if d.BatchSize > 0 {
		capacity = d.BatchSize
	}
	key := startKey
	for int64(len(buffered)) > 0 {
		take := capacity
		if take > int64(len(buffered)) {
			take = int64(len(buffered))
		}
		chunk := buffered[int64(len(buffered))-take:]
		if err := d.writeBatch(ctx, txn, roomID, key, chunk); err != nil {
			return err
		}
		buffered = buffered[:int64(len(buffered))-take]
		key += step
	}
	return nil
}

// PaginateTimeline returns up to limit events strictly older than the
// oldest event currently held in the room's in-memory timeline, newest
// first. A short or empty result means the history is exhausted; exhaustion
// is never an error.
func (d *Database) PaginateTimeline(ctx context.Context, room *types.Room, limit int) ([]types.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := d.Reconcile(ctx, room.RoomID); err != nil {
		return nil, err
	}
	oldest := room.OldestEvent()
	if oldest == nil {
		return nil, nil
	}
	startKey, ok, err := d.Index.SelectBatchKey(ctx, nil, room.RoomID, oldest.ID)
	if err != nil || !ok {
		return nil, err
	}
	var acc []types.Event
	for key := startKey; len(acc) < limit; key++ {
		events, exists, err := d.Batches.SelectBatch(ctx, nil, room.RoomID, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		if key == startKey {
			events = eventsAfter(events, oldest.ID)
		}
		acc = append(acc, events...)
	}
	if len(acc) > limit {
		acc = acc[:limit]
	}
	return acc, nil
}

// eventsAfter returns the subset of the newest-first batch strictly older
// than the event with the given ID.
func eventsAfter(events []types.Event, eventID string) []types.Event {
	for i := range events {
		if events[i].ID == eventID {
			return events[i+1:]
		}
	}
	return nil
}

// Purge drops the room's oldest batch, the one with the highest key, along
// with its index entries. Calling it on a room with no batches is a no-op,
// so repeated purges walk the history away batch by batch and then stop.
func (d *Database) Purge(ctx context.Context, roomID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		_, highest, ok, err := d.Batches.SelectBatchKeyRange(ctx, txn, roomID)
		if err != nil || !ok {
			return err
		}
		if err = d.Batches.DeleteBatch(ctx, txn, roomID, highest); err != nil {
			return err
		}
		return d.Index.DeleteByBatch(ctx, txn, roomID, highest)
	})
}
