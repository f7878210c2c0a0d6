// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/lightsync/internal"
	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/tables"
	"github.com/element-hq/lightsync/types"
)

const roomSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS lightsync_room_snapshots (
	room_id TEXT NOT NULL PRIMARY KEY,
	snapshot_json TEXT NOT NULL
);`

const upsertSnapshotSQL = `INSERT INTO lightsync_room_snapshots (room_id, snapshot_json)
  VALUES ($1, $2)
  ON CONFLICT (room_id) DO UPDATE SET snapshot_json = $3`

const selectSnapshotSQL = "" +
	"SELECT snapshot_json FROM lightsync_room_snapshots WHERE room_id = $1"

const selectRoomIDsSQL = "" +
	"SELECT room_id FROM lightsync_room_snapshots ORDER BY room_id"

type roomSnapshotsStatements struct {
	upsertSnapshotStmt *sql.Stmt
	selectSnapshotStmt *sql.Stmt
	selectRoomIDsStmt  *sql.Stmt
}

func NewSqliteRoomSnapshotsTable(db *sql.DB) (tables.RoomSnapshots, error) {
	_, err := db.Exec(roomSnapshotsSchema)
	if err != nil {
		return nil, err
	}
	s := &roomSnapshotsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertSnapshotStmt, upsertSnapshotSQL},
		{&s.selectSnapshotStmt, selectSnapshotSQL},
		{&s.selectRoomIDsStmt, selectRoomIDsSQL},
	}.Prepare(db)
}

func (s *roomSnapshotsStatements) UpsertSnapshot(
	ctx context.Context, txn *sql.Tx, snapshot *types.RoomSnapshot,
) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertSnapshotStmt).
		ExecContext(ctx, snapshot.RoomID, string(snapshotJSON), string(snapshotJSON))
	return err
}

func (s *roomSnapshotsStatements) SelectSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.RoomSnapshot, error) {
	var snapshotJSON string
	err := sqlutil.TxStmt(txn, s.selectSnapshotStmt).
		QueryRowContext(ctx, roomID).Scan(&snapshotJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot types.RoomSnapshot
	if err = json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *roomSnapshotsStatements) SelectRoomIDs(
	ctx context.Context, txn *sql.Tx,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDs: rows.close() failed")
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}
