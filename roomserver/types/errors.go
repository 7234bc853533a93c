// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "errors"

// ErrorInvalidRoomInfo is returned when an operation that needs a concrete
// RoomInfo (room version, current state) is attempted against a stub room.
var ErrorInvalidRoomInfo = errors.New("types: invalid or missing room info")

// Well-known event types consulted directly by name throughout the core,
// rather than interned, since they gate dispatch before a short-ID lookup
// would otherwise be useful.
const (
	MRoomCreate           = "m.room.create"
	MRoomMember           = "m.room.member"
	MRoomPowerLevels      = "m.room.power_levels"
	MRoomJoinRules        = "m.room.join_rules"
	MRoomAliases          = "m.room.aliases"
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	MRoomRedaction        = "m.room.redaction"
	MRoomPolicy           = "m.room.policy"
	MRoomCanonicalAlias   = "m.room.canonical_alias"
	MRoomServerACL        = "m.room.server_acl"
)
