// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomversion is the built-in room-version feature registry from
// §3.3/§6.4. Room-version behaviour is a flat feature struct consulted by
// each auth rule, not a hierarchy of subclassed rule sets (§9 "Deep
// dispatch over room versions"): new versions are added by extending
// Features and the table below, never by adding a new type.
package roomversion

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Features is the per-room-version behaviour record referenced throughout
// the auth-rule engine and state resolution.
type Features struct {
	Version string

	// ExtraRedactionChecks requires sender-domain-only redact auth
	// (versions 1, 2).
	ExtraRedactionChecks bool
	// SpecialCaseAliasesAuth requires m.room.aliases state_key to match the
	// sender's server name (versions 1-5).
	SpecialCaseAliasesAuth bool
	// UseRoomCreateSender infers the room creator from the create event's
	// sender rather than its content.creator field (versions >= 11).
	UseRoomCreateSender bool
	// ExplicitlyPrivilegeRoomCreators grants creators Int::MAX power,
	// bypassing power-level lookups (versions >= 12).
	ExplicitlyPrivilegeRoomCreators bool
	// RoomIDsAsHashes derives the room ID from the create event's own
	// event ID rather than carrying a room_id field (versions >= 12).
	RoomIDsAsHashes bool
	// EventIDFormatV1 is true for the earliest versions where the event ID
	// was a random opaque string rather than derived from event content.
	EventIDFormatV1 bool
}

// registry is initialized at package init and never mutated afterwards; it
// is read-only at runtime, consulted via Get.
var registry = map[string]Features{}

func register(f Features) {
	registry[f.Version] = f
}

func init() {
	register(Features{Version: "1", ExtraRedactionChecks: true, SpecialCaseAliasesAuth: true, EventIDFormatV1: true})
	register(Features{Version: "2", ExtraRedactionChecks: true, SpecialCaseAliasesAuth: true, EventIDFormatV1: true})
	register(Features{Version: "3", SpecialCaseAliasesAuth: true})
	register(Features{Version: "4", SpecialCaseAliasesAuth: true})
	register(Features{Version: "5", SpecialCaseAliasesAuth: true})
	register(Features{Version: "6"})
	register(Features{Version: "7"})
	register(Features{Version: "8"})
	register(Features{Version: "9"})
	register(Features{Version: "10"})
	register(Features{Version: "11", UseRoomCreateSender: true})
	register(Features{Version: "12", UseRoomCreateSender: true, ExplicitlyPrivilegeRoomCreators: true, RoomIDsAsHashes: true})
}

// ErrUnsupported is returned by Get for a room version string not present
// in the registry, per §6.4: "Unknown versions cause create-event parsing
// to reject with an explicit 'unsupported' error."
type ErrUnsupported struct {
	Version string
}

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("roomversion: unsupported room version %q", e.Version)
}

// Get looks up the feature set for a room version string.
func Get(version string) (Features, error) {
	f, ok := registry[version]
	if !ok {
		return Features{}, ErrUnsupported{Version: version}
	}
	return f, nil
}

// Supported reports whether a room version string is recognised.
func Supported(version string) bool {
	_, ok := registry[version]
	return ok
}

// SupportedVersions returns every registered version string.
func SupportedVersions() []string {
	out := make([]string, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	return out
}

// AtLeast reports whether version a is >= version b numerically, using
// semver comparison on the bare major component (room versions are plain
// integers as strings, e.g. "11", "12").
func AtLeast(a, b string) bool {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return a >= b
	}
	return va.Compare(vb) >= 0
}
