// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package relations implements §4.12's bundled aggregations: for a
// timeline read of an unredacted non-state event that is not itself a
// replacement, collect its related events, partition them by relation
// type, and fold the winning m.replace and the m.reference chunk into the
// event's unsigned["m.relations"].
package relations

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

// MaxBundledRelations bounds how many related events are collected per
// event before partitioning, per §4.12 step 1.
const MaxBundledRelations = 50

// ChildFinder looks up the events that relate to a target event (its
// children in the relation DAG), newest first, up to limit.
type ChildFinder interface {
	RelatesTo(ctx context.Context, roomID, eventID string, limit int) ([]*pdu.PDU, error)
}

// Bundle computes and splices §4.12's bundled aggregations into event's
// unsigned field, leaving event unchanged if it is redacted, a state
// event, or itself a replacement (none of those can carry aggregations).
func Bundle(ctx context.Context, finder ChildFinder, event *pdu.PDU) error {
	if event.IsState() || isReplacement(event) || pdu.IsRedacted(event.Raw(), event.Type) {
		return nil
	}
	children, err := finder.RelatesTo(ctx, event.RoomID, event.EventID, MaxBundledRelations)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	var replaces, references []*pdu.PDU
	for _, child := range children {
		switch relType(child) {
		case "m.replace":
			replaces = append(replaces, child)
		case "m.reference":
			references = append(references, child)
		}
	}
	if len(replaces) == 0 && len(references) == 0 {
		return nil
	}

	aggregations := "{}"
	if winner := winningReplacement(event, replaces); winner != nil {
		var err error
		aggregations, err = sjson.SetRaw(aggregations, "m.replace", string(winner.Raw()))
		if err != nil {
			return err
		}
	}
	if len(references) > 0 {
		// references arrive from ChildFinder.RelatesTo in the reverse-
		// chronological order §4.12 step 1 collects them in; preserve it
		// rather than re-sorting, since step 4 names no reordering rule.
		chunk := "{}"
		for _, r := range references {
			var err error
			chunk, err = sjson.Set(chunk, "chunk.-1", r.EventID)
			if err != nil {
				return err
			}
		}
		var err error
		aggregations, err = sjson.SetRaw(aggregations, "m.reference", chunk)
		if err != nil {
			return err
		}
	}

	return spliceUnsigned(event, aggregations)
}

// spliceUnsigned merges {"m.relations": aggregations} into event's
// unsigned object, overwriting only that key and preserving the rest of
// unsigned, per §4.12 step 5.
func spliceUnsigned(event *pdu.PDU, aggregationsJSON string) error {
	unsigned := "{}"
	if len(event.Unsigned) > 0 {
		unsigned = string(event.Unsigned)
	}
	merged, err := sjson.SetRaw(unsigned, "m.relations", aggregationsJSON)
	if err != nil {
		return err
	}
	raw, err := sjson.SetRawBytes(event.Raw(), "unsigned", []byte(merged))
	if err != nil {
		return err
	}
	event.Unsigned = []byte(merged)
	event.SetRaw(raw)
	return nil
}

// winningReplacement implements §4.12 step 3: among replacement
// candidates that pass validity, the one with the greatest
// (origin_server_ts, event_id) by that order.
func winningReplacement(original *pdu.PDU, candidates []*pdu.PDU) *pdu.PDU {
	var winner *pdu.PDU
	for _, candidate := range candidates {
		if !isValidReplacement(original, candidate) {
			continue
		}
		if winner == nil {
			winner = candidate
			continue
		}
		if candidate.OriginServerTS > winner.OriginServerTS {
			winner = candidate
		} else if candidate.OriginServerTS == winner.OriginServerTS && candidate.EventID > winner.EventID {
			winner = candidate
		}
	}
	return winner
}

// isValidReplacement implements §4.12 step 3's validity-of-replacement
// checks.
func isValidReplacement(original, replacement *pdu.PDU) bool {
	return original.RoomID == replacement.RoomID &&
		original.Sender.String() == replacement.Sender.String() &&
		original.Type == replacement.Type &&
		!original.IsState() &&
		!replacement.IsState() &&
		!isReplacement(original) &&
		hasNewContentOrEncrypted(replacement)
}

func isReplacement(event *pdu.PDU) bool {
	return relType(event) == "m.replace"
}

func relType(event *pdu.PDU) string {
	return gjson.GetBytes(event.Content, "m.relates_to.rel_type").String()
}

func hasNewContentOrEncrypted(event *pdu.PDU) bool {
	if event.Type == "m.room.encrypted" {
		return true
	}
	return gjson.GetBytes(event.Content, "m.new_content").Exists()
}
