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
	"github.com/element-hq/lightsync/types"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS lightsync_users (
	user_id TEXT NOT NULL PRIMARY KEY,
	presence TEXT NOT NULL,
	display_name TEXT NOT NULL,
	avatar_url TEXT NOT NULL
);`

const upsertUserSQL = `INSERT INTO lightsync_users (user_id, presence, display_name, avatar_url)
  VALUES ($1, $2, $3, $4)
  ON CONFLICT (user_id) DO UPDATE SET presence = $5, display_name = $6, avatar_url = $7`

const selectUserSQL = "" +
	"SELECT presence, display_name, avatar_url FROM lightsync_users WHERE user_id = $1"

type usersStatements struct {
	upsertUserStmt *sql.Stmt
	selectUserStmt *sql.Stmt
}

func NewSqliteUsersTable(db *sql.DB) (tables.Users, error) {
	_, err := db.Exec(usersSchema)
	if err != nil {
		return nil, err
	}
	s := &usersStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertUserStmt, upsertUserSQL},
		{&s.selectUserStmt, selectUserSQL},
	}.Prepare(db)
}

func (s *usersStatements) UpsertUser(
	ctx context.Context, txn *sql.Tx, user *types.User,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertUserStmt).ExecContext(
		ctx, user.UserID,
		user.Presence, user.DisplayName, user.AvatarURL,
		user.Presence, user.DisplayName, user.AvatarURL,
	)
	return err
}

func (s *usersStatements) SelectUser(
	ctx context.Context, txn *sql.Tx, userID string,
) (*types.User, error) {
	user := types.User{UserID: userID}
	err := sqlutil.TxStmt(txn, s.selectUserStmt).QueryRowContext(ctx, userID).
		Scan(&user.Presence, &user.DisplayName, &user.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
