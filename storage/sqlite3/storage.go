// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/shared"
)

// Open opens a SQLite database and assembles a shared.Database over the
// prepared-statement tables. SQLite supports one writer at a time, so all
// writes funnel through an exclusive writer on a single connection.
func Open(cfg *config.Storage, cache *caching.RoomSnapshots) (*shared.Database, error) {
	db, err := sql.Open("sqlite", cfg.URI)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}
	db.SetMaxOpenConns(1)
	batches, err := NewSqliteTimelineBatchesTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteTimelineBatchesTable")
	}
	index, err := NewSqliteTimelineIndexTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteTimelineIndexTable")
	}
	buffer, err := NewSqliteLiveBufferTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteLiveBufferTable")
	}
	snapshots, err := NewSqliteRoomSnapshotsTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteRoomSnapshotsTable")
	}
	users, err := NewSqliteUsersTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteUsersTable")
	}
	tokens, err := NewSqliteSyncTokensTable(db)
	if err != nil {
		return nil, errors.Wrap(err, "NewSqliteSyncTokensTable")
	}
	return &shared.Database{
		DB:        db,
		Writer:    sqlutil.NewExclusiveWriter(),
		BatchSize: cfg.BatchSize,
		Batches:   batches,
		Index:     index,
		Buffer:    buffer,
		Snapshots: snapshots,
		Users:     users,
		Tokens:    tokens,
		Cache:     cache,
	}, nil
}
