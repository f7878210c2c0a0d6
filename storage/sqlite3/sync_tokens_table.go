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

// A single-row table; the fixed id keeps the upsert honest.
const syncTokensSchema = `
CREATE TABLE IF NOT EXISTS lightsync_sync_tokens (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
	token TEXT NOT NULL
);`

const upsertTokenSQL = `INSERT INTO lightsync_sync_tokens (id, token)
  VALUES (1, $1)
  ON CONFLICT (id) DO UPDATE SET token = $2`

const selectTokenSQL = "" +
	"SELECT token FROM lightsync_sync_tokens WHERE id = 1"

type syncTokensStatements struct {
	upsertTokenStmt *sql.Stmt
	selectTokenStmt *sql.Stmt
}

func NewSqliteSyncTokensTable(db *sql.DB) (tables.SyncTokens, error) {
	_, err := db.Exec(syncTokensSchema)
	if err != nil {
		return nil, err
	}
	s := &syncTokensStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertTokenStmt, upsertTokenSQL},
		{&s.selectTokenStmt, selectTokenSQL},
	}.Prepare(db)
}

func (s *syncTokensStatements) UpsertToken(
	ctx context.Context, txn *sql.Tx, token string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertTokenStmt).ExecContext(ctx, token, token)
	return err
}

func (s *syncTokensStatements) SelectToken(
	ctx context.Context, txn *sql.Tx,
) (string, error) {
	var token string
	err := sqlutil.TxStmt(txn, s.selectTokenStmt).QueryRowContext(ctx).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
