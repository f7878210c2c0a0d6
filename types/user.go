// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// User is the per-user presence and profile snapshot. Users are created
// lazily on first reference from a membership, presence or invite event and
// cached for the lifetime of the client session.
type User struct {
	UserID      string `json:"user_id"`
	Presence    string `json:"presence,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// NewUser creates a user snapshot with no presence or profile information.
func NewUser(userID string) *User {
	return &User{UserID: userID}
}

// UpdateFromPresence folds an m.presence event into the snapshot.
func (u *User) UpdateFromPresence(ev Event) {
	if presence := ev.Presence(); presence != "" {
		u.Presence = presence
	}
	if name := ev.ContentDisplayName(); name != "" {
		u.DisplayName = name
	}
	if avatar := ev.ContentAvatarURL(); avatar != "" {
		u.AvatarURL = avatar
	}
}

// UpdateFromMember folds profile fields from an m.room.member event into the
// snapshot.
func (u *User) UpdateFromMember(ev Event) {
	if name := ev.ContentDisplayName(); name != "" {
		u.DisplayName = name
	}
	if avatar := ev.ContentAvatarURL(); avatar != "" {
		u.AvatarURL = avatar
	}
}
