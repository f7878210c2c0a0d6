// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching holds the in-process caches used by the sync engine and
// the storage layer: a TTL cache for fetched user profiles and a cost-bounded
// cache for room snapshots in front of the persistence tables.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"

	"github.com/element-hq/lightsync/types"
)

// Profile is a cached profile lookup result. A present entry with empty
// fields is still meaningful: it records that the lookup succeeded and the
// user has no profile set.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Profiles caches profile lookups for a bounded time so that repeated invite
// resolution doesn't hammer the profile endpoint.
type Profiles struct {
	cache *gocache.Cache
}

// NewProfiles creates a profile cache with the given entry TTL.
func NewProfiles(ttl time.Duration) *Profiles {
	return &Profiles{
		cache: gocache.New(ttl, ttl*2),
	}
}

func (p *Profiles) GetProfile(userID string) (Profile, bool) {
	v, ok := p.cache.Get(userID)
	if !ok {
		return Profile{}, false
	}
	return v.(Profile), true
}

func (p *Profiles) StoreProfile(userID string, profile Profile) {
	p.cache.SetDefault(userID, profile)
}

// RoomSnapshots caches room snapshots read from or written to the
// persistence layer. Entries are advisory: a miss always falls through to
// the tables, and StoreRoom invalidates before rewriting.
type RoomSnapshots struct {
	cache *ristretto.Cache
}

// NewRoomSnapshots creates a snapshot cache bounded to roughly maxCost bytes
// of snapshot data.
func NewRoomSnapshots(maxCost int64) (*RoomSnapshots, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RoomSnapshots{cache: cache}, nil
}

func (c *RoomSnapshots) GetRoomSnapshot(roomID string) (*types.RoomSnapshot, bool) {
	v, ok := c.cache.Get(roomID)
	if !ok {
		return nil, false
	}
	snap, ok := v.(*types.RoomSnapshot)
	return snap, ok
}

func (c *RoomSnapshots) StoreRoomSnapshot(roomID string, snap *types.RoomSnapshot, cost int64) {
	c.cache.Set(roomID, snap, cost)
}

func (c *RoomSnapshots) EvictRoomSnapshot(roomID string) {
	c.cache.Del(roomID)
}
