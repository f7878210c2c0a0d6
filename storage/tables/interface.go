// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables defines the storage contracts the timeline persistence
// layer is written against. Implementations exist for SQLite and for
// in-memory maps; both must satisfy the same miss semantics: a lookup for
// something that isn't there is a typed absence, never an error.
package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/lightsync/types"
)

// BatchCapacityUnbounded is the sentinel batch capacity meaning "one
// unbounded batch" on full insert.
const BatchCapacityUnbounded int64 = -1

// TimelineBatches stores fixed-capacity partitions of a room's timeline,
// addressed by an integer batch key. Lower keys are newer: batch 0 holds the
// newest events at full-insert time, keys 1, 2, ... hold progressively older
// history and negative keys hold events reconciled in after the last full
// insert. Events inside a batch are newest-first.
type TimelineBatches interface {
	UpsertBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, events []types.Event) error
	// SelectBatch returns the batch contents, or (nil, false, nil) if the
	// batch key does not exist for the room.
	SelectBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) ([]types.Event, bool, error)
	// SelectBatchKeyRange returns the lowest and highest batch keys present
	// for the room, or ok=false if the room has no batches.
	SelectBatchKeyRange(ctx context.Context, txn *sql.Tx, roomID string) (lowest, highest int64, ok bool, err error)
	DeleteBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) error
	DeleteAllBatches(ctx context.Context, txn *sql.Tx, roomID string) error
}

// TimelineIndex maps event IDs to the batch key holding them. The index is
// accurate for every event in a numbered batch and undefined for events
// still in the live buffer.
type TimelineIndex interface {
	UpsertEntries(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, eventIDs []string) error
	// SelectBatchKey returns (0, false, nil) on a miss; a miss is a defined
	// "no further history" signal, not a fault.
	SelectBatchKey(ctx context.Context, txn *sql.Tx, roomID, eventID string) (int64, bool, error)
	DeleteByBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) error
	DeleteAllEntries(ctx context.Context, txn *sql.Tx, roomID string) error
}

// LiveBuffer holds newly arrived events per room in reverse-chronological
// order (newest-first) until they are reconciled into numbered batches.
type LiveBuffer interface {
	Push(ctx context.Context, txn *sql.Tx, roomID string, event types.Event) error
	// SelectAll returns the buffered events newest-first; empty slice when
	// the buffer is empty.
	SelectAll(ctx context.Context, txn *sql.Tx, roomID string) ([]types.Event, error)
	Clear(ctx context.Context, txn *sql.Tx, roomID string) error
}

// RoomSnapshots stores the per-room state snapshot (state maps, summary,
// tags, receipts).
type RoomSnapshots interface {
	UpsertSnapshot(ctx context.Context, txn *sql.Tx, snapshot *types.RoomSnapshot) error
	// SelectSnapshot returns (nil, nil) when no snapshot is stored.
	SelectSnapshot(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomSnapshot, error)
	SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error)
}

// Users stores user presence/profile snapshots.
type Users interface {
	UpsertUser(ctx context.Context, txn *sql.Tx, user *types.User) error
	// SelectUser returns (nil, nil) when the user is unknown.
	SelectUser(ctx context.Context, txn *sql.Tx, userID string) (*types.User, error)
}

// SyncTokens stores the single process-wide sync token.
type SyncTokens interface {
	UpsertToken(ctx context.Context, txn *sql.Tx, token string) error
	// SelectToken returns ("", nil) when no token has been stored yet.
	SelectToken(ctx context.Context, txn *sql.Tx) (string, error)
}
