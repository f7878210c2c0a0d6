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

const liveBufferSchema = `
CREATE TABLE IF NOT EXISTS lightsync_live_buffer (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	event_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS lightsync_live_buffer_room_idx ON lightsync_live_buffer (room_id);`

const insertBufferEventSQL = "" +
	"INSERT INTO lightsync_live_buffer (room_id, event_json) VALUES ($1, $2)"

// Higher ids were pushed later and are therefore newer.
const selectBufferEventsSQL = "" +
	"SELECT event_json FROM lightsync_live_buffer WHERE room_id = $1 ORDER BY id DESC"

const deleteBufferEventsSQL = "" +
	"DELETE FROM lightsync_live_buffer WHERE room_id = $1"

type liveBufferStatements struct {
	insertEventStmt  *sql.Stmt
	selectEventsStmt *sql.Stmt
	deleteEventsStmt *sql.Stmt
}

func NewSqliteLiveBufferTable(db *sql.DB) (tables.LiveBuffer, error) {
	_, err := db.Exec(liveBufferSchema)
	if err != nil {
		return nil, err
	}
	s := &liveBufferStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertBufferEventSQL},
		{&s.selectEventsStmt, selectBufferEventsSQL},
		{&s.deleteEventsStmt, deleteBufferEventsSQL},
	}.Prepare(db)
}

func (s *liveBufferStatements) Push(
	ctx context.Context, txn *sql.Tx, roomID string, event types.Event,
) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(ctx, roomID, string(eventJSON))
	return err
}

func (s *liveBufferStatements) SelectAll(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAll: rows.close() failed")
	var events []types.Event
	for rows.Next() {
		var eventJSON string
		if err = rows.Scan(&eventJSON); err != nil {
			return nil, err
		}
		var ev types.Event
		if err = json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *liveBufferStatements) Clear(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteEventsStmt).ExecContext(ctx, roomID)
	return err
}
