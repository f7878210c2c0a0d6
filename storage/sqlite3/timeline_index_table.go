// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/tables"
)

const timelineIndexSchema = `
CREATE TABLE IF NOT EXISTS lightsync_timeline_index (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	batch_key BIGINT NOT NULL,
	CONSTRAINT lightsync_timeline_index_unique UNIQUE (room_id, event_id)
);`

const upsertIndexEntrySQL = `INSERT INTO lightsync_timeline_index (room_id, event_id, batch_key)
  VALUES ($1, $2, $3)
  ON CONFLICT (room_id, event_id) DO UPDATE SET batch_key = $4`

const selectBatchKeySQL = "" +
	"SELECT batch_key FROM lightsync_timeline_index WHERE room_id = $1 AND event_id = $2"

const deleteIndexByBatchSQL = "" +
	"DELETE FROM lightsync_timeline_index WHERE room_id = $1 AND batch_key = $2"

const deleteAllIndexEntriesSQL = "" +
	"DELETE FROM lightsync_timeline_index WHERE room_id = $1"

type timelineIndexStatements struct {
	upsertEntryStmt      *sql.Stmt
	selectBatchKeyStmt   *sql.Stmt
	deleteByBatchStmt    *sql.Stmt
	deleteAllEntriesStmt *sql.Stmt
}

func NewSqliteTimelineIndexTable(db *sql.DB) (tables.TimelineIndex, error) {
	_, err := db.Exec(timelineIndexSchema)
	if err != nil {
		return nil, err
	}
	s := &timelineIndexStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertEntryStmt, upsertIndexEntrySQL},
		{&s.selectBatchKeyStmt, selectBatchKeySQL},
		{&s.deleteByBatchStmt, deleteIndexByBatchSQL},
		{&s.deleteAllEntriesStmt, deleteAllIndexEntriesSQL},
	}.Prepare(db)
}

func (s *timelineIndexStatements) UpsertEntries(
	ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, eventIDs []string,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertEntryStmt)
	for _, eventID := range eventIDs {
		if _, err := stmt.ExecContext(ctx, roomID, eventID, batchKey, batchKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *timelineIndexStatements) SelectBatchKey(
	ctx context.Context, txn *sql.Tx, roomID, eventID string,
) (int64, bool, error) {
	var batchKey int64
	err := sqlutil.TxStmt(txn, s.selectBatchKeyStmt).
		QueryRowContext(ctx, roomID, eventID).Scan(&batchKey)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return batchKey, true, nil
}

func (s *timelineIndexStatements) DeleteByBatch(
	ctx context.Context, txn *sql.Tx, roomID string, batchKey int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteByBatchStmt).ExecContext(ctx, roomID, batchKey)
	return err
}

func (s *timelineIndexStatements) DeleteAllEntries(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllEntriesStmt).ExecContext(ctx, roomID)
	return err
}
