// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/storage/memory"
	"github.com/element-hq/lightsync/storage/sqlite3"
	"github.com/element-hq/lightsync/types"
)

// Store is the persistence facade the sync engine talks to. Every method
// takes a context and a lookup miss is a typed absence, never an error.
type Store interface {
	// GetSyncToken returns the persisted sync token, or "" if none exists.
	GetSyncToken(ctx context.Context) (string, error)
	// SetSyncToken durably replaces the sync token.
	SetSyncToken(ctx context.Context, token string) error
	// StoreRoom persists a room aggregate.
	StoreRoom(ctx context.Context, room *types.Room) error
	// GetRoom loads a room, or (nil, nil) when unknown.
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	// GetRooms loads every persisted room.
	GetRooms(ctx context.Context) ([]*types.Room, error)
	// StoreUser persists a user snapshot.
	StoreUser(ctx context.Context, user *types.User) error
	// GetUser loads a user, or (nil, nil) when unknown.
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// Database extends the facade with the timeline maintenance operations that
// callers outside the sync loop drive explicitly.
type Database interface {
	Store
	// PaginateTimeline returns up to limit events strictly older than the
	// oldest event in the room's in-memory timeline, newest first. A short
	// or empty result means the history is exhausted.
	PaginateTimeline(ctx context.Context, room *types.Room, limit int) ([]types.Event, error)
	// Reconcile folds the room's live buffer into numbered batches.
	Reconcile(ctx context.Context, roomID string) error
	// Purge drops the room's oldest batch; a no-op once no batches remain.
	Purge(ctx context.Context, roomID string) error
}

// Open opens a database for the configured storage kind, fronted by a room
// snapshot cache when one is configured.
func Open(cfg *config.Storage) (Database, error) {
	var cache *caching.RoomSnapshots
	if cfg.SnapshotCacheMaxCost > 0 {
		var err error
		if cache, err = caching.NewRoomSnapshots(cfg.SnapshotCacheMaxCost); err != nil {
			return nil, errors.Wrap(err, "creating room snapshot cache")
		}
	}
	switch cfg.Kind {
	case "sqlite3":
		return sqlite3.Open(cfg, cache)
	case "memory":
		return memory.NewDatabase(cfg, cache), nil
	case "noop":
		return &NoopDatabase{}, nil
	default:
		return nil, errors.Errorf("unknown storage kind %q", cfg.Kind)
	}
}
