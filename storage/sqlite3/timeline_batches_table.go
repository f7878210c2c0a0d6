// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/tables"
	"github.com/element-hq/lightsync/types"
)

const timelineBatchesSchema = `
CREATE TABLE IF NOT EXISTS lightsync_timeline_batches (
	room_id TEXT NOT NULL,
	batch_key BIGINT NOT NULL,
	events_json TEXT NOT NULL,
	CONSTRAINT lightsync_timeline_batches_unique UNIQUE (room_id, batch_key)
);`

const upsertBatchSQL = `INSERT INTO lightsync_timeline_batches (room_id, batch_key, events_json)
  VALUES ($1, $2, $3)
  ON CONFLICT (room_id, batch_key) DO UPDATE SET events_json = $4`

const selectBatchSQL = "" +
	"SELECT events_json FROM lightsync_timeline_batches WHERE room_id = $1 AND batch_key = $2"

const selectBatchKeyRangeSQL = "" +
	"SELECT MIN(batch_key), MAX(batch_key) FROM lightsync_timeline_batches WHERE room_id = $1"

const deleteBatchSQL = "" +
	"DELETE FROM lightsync_timeline_batches WHERE room_id = $1 AND batch_key = $2"

const deleteAllBatchesSQL = "" +
	"DELETE FROM lightsync_timeline_batches WHERE room_id = $1"

type timelineBatchesStatements struct {
	upsertBatchStmt         *sql.Stmt
	selectBatchStmt         *sql.Stmt
	selectBatchKeyRangeStmt *sql.Stmt
	deleteBatchStmt         *sql.Stmt
	deleteAllBatchesStmt    *sql.Stmt
}

func NewSqliteTimelineBatchesTable(db *sql.DB) (tables.TimelineBatches, error) {
	_, err := db.Exec(timelineBatchesSchema)
	if err != nil {
		return nil, err
	}
	s := &timelineBatchesStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertBatchStmt, upsertBatchSQL},
		{&s.selectBatchStmt, selectBatchSQL},
		{&s.selectBatchKeyRangeStmt, selectBatchKeyRangeSQL},
		{&s.deleteBatchStmt, deleteBatchSQL},
		{&s.deleteAllBatchesStmt, deleteAllBatchesSQL},
	}.Prepare(db)
}

func (s *timelineBatchesStatements) UpsertBatch(
	ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, events []types.Event,
) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertBatchStmt).
		ExecContext(ctx, roomID, batchKey, string(eventsJSON), string(eventsJSON))
	return err
}

func (s *timelineBatchesStatements) SelectBatch(
	ctx context.Context, txn *sql.Tx, roomID string, batchKey int64,
) ([]types.Event, bool, error) {
	var eventsJSON string
	err := sqlutil.TxStmt(txn, s.selectBatchStmt).
		QueryRowContext(ctx, roomID, batchKey).Scan(&eventsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var events []types.Event
	if err = json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, false, err
	}
	return events, true, nil
}

func (s *timelineBatchesStatements) SelectBatchKeyRange(
	ctx context.Context, txn *sql.Tx, roomID string,
) (lowest, highest int64, ok bool, err error) {
	var minKey, maxKey sql.NullInt64
	err = sqlutil.TxStmt(txn, s.selectBatchKeyRangeStmt).
		QueryRowContext(ctx, roomID).Scan(&minKey, &maxKey)
	if err != nil || !minKey.Valid {
		return 0, 0, false, err
	}
	return minKey.Int64, maxKey.Int64, true, nil
}

func (s *timelineBatchesStatements) DeleteBatch(
	ctx context.Context, txn *sql.Tx, roomID string, batchKey int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteBatchStmt).ExecContext(ctx, roomID, batchKey)
	return err
}

func (s *timelineBatchesStatements) DeleteAllBatches(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllBatchesStmt).ExecContext(ctx, roomID)
	return err
}
