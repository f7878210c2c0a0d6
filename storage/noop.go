// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/lightsync/types"
)

// NoopDatabase discards all writes and misses all reads. Useful for
// ephemeral sessions that never want history to survive the process.
type NoopDatabase struct{}

func (*NoopDatabase) GetSyncToken(ctx context.Context) (string, error) {
	return "", nil
}

func (*NoopDatabase) SetSyncToken(ctx context.Context, token string) error {
	return nil
}

func (*NoopDatabase) StoreRoom(ctx context.Context, room *types.Room) error {
	return nil
}

func (*NoopDatabase) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	return nil, nil
}

func (*NoopDatabase) GetRooms(ctx context.Context) ([]*types.Room, error) {
	return nil, nil
}

func (*NoopDatabase) StoreUser(ctx context.Context, user *types.User) error {
	return nil
}

func (*NoopDatabase) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return nil, nil
}

func (*NoopDatabase) PaginateTimeline(ctx context.Context, room *types.Room, limit int) ([]types.Event, error) {
	return nil, nil
}

func (*NoopDatabase) Reconcile(ctx context.Context, roomID string) error {
	return nil
}

func (*NoopDatabase) Purge(ctx context.Context, roomID string) error {
	return nil
}
