// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pdu

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// allowedContentKeys lists, per event type, the content keys a redaction
// must preserve. This mirrors the version-specific redaction algorithm from
// the Matrix spec: everything outside these allow-lists is dropped.
var allowedContentKeys = map[string][]string{
	types.MRoomCreate:      {"creator", "room_version", "m.federate", "predecessor"},
	types.MRoomMember:      {"membership", "join_authorized_via_users_server"},
	types.MRoomJoinRules:   {"join_rule", "allow"},
	types.MRoomPowerLevels: {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"},
	types.MRoomAliases:     {"aliases"},
	"m.room.history_visibility": {"history_visibility"},
}

// topLevelKeysKept are the top-level PDU fields a redaction always
// preserves, per the Matrix spec redaction algorithm.
var topLevelKeysKept = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

// Redact applies the redaction algorithm to a raw PDU, clearing content
// fields outside the allow-list for the event's type and dropping
// `unsigned` entirely, per §4.6 Stage 2 and the invariant in §8.2 that
// redacting an already-redacted event is a no-op.
func Redact(raw []byte) ([]byte, error) {
	eventType := gjson.GetBytes(raw, "type").String()
	content := gjson.GetBytes(raw, "content")

	keptContent := "{}"
	var err error
	for _, key := range allowedContentKeys[eventType] {
		if v := content.Get(key); v.Exists() {
			keptContent, err = sjson.Set(keptContent, key, v.Value())
			if err != nil {
				return nil, err
			}
		}
	}

	out := "{}"
	for _, key := range topLevelKeysKept {
		v := gjson.GetBytes(raw, key)
		if !v.Exists() {
			continue
		}
		if key == "content" {
			out, err = sjson.SetRaw(out, "content", keptContent)
		} else {
			out, err = sjson.SetRaw(out, key, v.Raw)
		}
		if err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}

// IsRedacted reports whether a raw PDU's content has already been reduced
// to exactly its redaction-surviving keys, used to make Redact idempotent
// at call sites that can't otherwise tell.
func IsRedacted(raw []byte, eventType string) bool {
	content := gjson.GetBytes(raw, "content")
	allowed := map[string]struct{}{}
	for _, k := range allowedContentKeys[eventType] {
		allowed[k] = struct{}{}
	}
	redacted := true
	content.ForEach(func(k, _ gjson.Result) bool {
		if _, ok := allowed[k.String()]; !ok {
			redacted = false
			return false
		}
		return true
	})
	return redacted
}
