// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package memory implements the storage contracts with mutex-guarded maps.
// Nothing survives the process; the semantics otherwise match the SQLite
// backend exactly, which also makes this the backend of choice in tests.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/element-hq/lightsync/config"
	"github.com/element-hq/lightsync/internal/caching"
	"github.com/element-hq/lightsync/internal/sqlutil"
	"github.com/element-hq/lightsync/storage/shared"
	"github.com/element-hq/lightsync/types"
)

// NewDatabase assembles a shared.Database over in-memory tables.
func NewDatabase(cfg *config.Storage, cache *caching.RoomSnapshots) *shared.Database {
	t := &tablesState{
		batches:   map[string]map[int64][]types.Event{},
		index:     map[string]map[string]int64{},
		buffers:   map[string][]types.Event{},
		snapshots: map[string]*types.RoomSnapshot{},
		users:     map[string]*types.User{},
	}
	return &shared.Database{
		Writer:    sqlutil.NewDummyWriter(),
		BatchSize: cfg.BatchSize,
		Batches:   &batchesTable{t},
		Index:     &indexTable{t},
		Buffer:    &bufferTable{t},
		Snapshots: &snapshotsTable{t},
		Users:     &usersTable{t},
		Tokens:    &tokensTable{t},
		Cache:     cache,
	}
}

// tablesState is shared by all table views so a single mutex covers every
// cross-table operation.
type tablesState struct {
	mu        sync.Mutex
	batches   map[string]map[int64][]types.Event
	index     map[string]map[string]int64
	buffers   map[string][]types.Event
	snapshots map[string]*types.RoomSnapshot
	users     map[string]*types.User
	token     string
}

type batchesTable struct{ t *tablesState }

func (s *batchesTable) UpsertBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, events []types.Event) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	room := s.t.batches[roomID]
	if room == nil {
		room = map[int64][]types.Event{}
		s.t.batches[roomID] = room
	}
	room[batchKey] = types.CopyEvents(events)
	return nil
}

func (s *batchesTable) SelectBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) ([]types.Event, bool, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	events, ok := s.t.batches[roomID][batchKey]
	if !ok {
		return nil, false, nil
	}
	return types.CopyEvents(events), true, nil
}

func (s *batchesTable) SelectBatchKeyRange(ctx context.Context, txn *sql.Tx, roomID string) (lowest, highest int64, ok bool, err error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for key := range s.t.batches[roomID] {
		if !ok {
			lowest, highest, ok = key, key, true
			continue
		}
		if key < lowest {
			lowest = key
		}
		if key > highest {
			highest = key
		}
	}
	return
}

func (s *batchesTable) DeleteBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.batches[roomID], batchKey)
	return nil
}

func (s *batchesTable) DeleteAllBatches(ctx context.Context, txn *sql.Tx, roomID string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.batches, roomID)
	return nil
}

type indexTable struct{ t *tablesState }

func (s *indexTable) UpsertEntries(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64, eventIDs []string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	room := s.t.index[roomID]
	if room == nil {
		room = map[string]int64{}
		s.t.index[roomID] = room
	}
	for _, eventID := range eventIDs {
		room[eventID] = batchKey
	}
	return nil
}

func (s *indexTable) SelectBatchKey(ctx context.Context, txn *sql.Tx, roomID, eventID string) (int64, bool, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	key, ok := s.t.index[roomID][eventID]
	return key, ok, nil
}

func (s *indexTable) DeleteByBatch(ctx context.Context, txn *sql.Tx, roomID string, batchKey int64) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for eventID, key := range s.t.index[roomID] {
		if key == batchKey {
			delete(s.t.index[roomID], eventID)
		}
	}
	return nil
}

func (s *indexTable) DeleteAllEntries(ctx context.Context, txn *sql.Tx, roomID string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.index, roomID)
	return nil
}

type bufferTable struct{ t *tablesState }

func (s *bufferTable) Push(ctx context.Context, txn *sql.Tx, roomID string, event types.Event) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	// Later pushes are newer and the buffer reads newest-first.
	s.t.buffers[roomID] = append([]types.Event{event.Copy()}, s.t.buffers[roomID]...)
	return nil
}

func (s *bufferTable) SelectAll(ctx context.Context, txn *sql.Tx, roomID string) ([]types.Event, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return types.CopyEvents(s.t.buffers[roomID]), nil
}

func (s *bufferTable) Clear(ctx context.Context, txn *sql.Tx, roomID string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.buffers, roomID)
	return nil
}

type snapshotsTable struct{ t *tablesState }

func (s *snapshotsTable) UpsertSnapshot(ctx context.Context, txn *sql.Tx, snapshot *types.RoomSnapshot) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.snapshots[snapshot.RoomID] = snapshot
	return nil
}

func (s *snapshotsTable) SelectSnapshot(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomSnapshot, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.snapshots[roomID], nil
}

func (s *snapshotsTable) SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	roomIDs := make([]string, 0, len(s.t.snapshots))
	for roomID := range s.t.snapshots {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	return roomIDs, nil
}

type usersTable struct{ t *tablesState }

func (s *usersTable) UpsertUser(ctx context.Context, txn *sql.Tx, user *types.User) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	u := *user
	s.t.users[user.UserID] = &u
	return nil
}

func (s *usersTable) SelectUser(ctx context.Context, txn *sql.Tx, userID string) (*types.User, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	user, ok := s.t.users[userID]
	if !ok {
		return nil, nil
	}
	u := *user
	return &u, nil
}

type tokensTable struct{ t *tablesState }

func (s *tokensTable) UpsertToken(ctx context.Context, txn *sql.Tx, token string) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.token = token
	return nil
}

func (s *tokensTable) SelectToken(ctx context.Context, txn *sql.Tx) (string, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.token, nil
}
