// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// resolveRedactions runs the deferred half of §4.8's user_can_redact once
// event has been stitched onto the timeline (§4.6 Stage 8): if event is
// itself a redaction, its target is either redacted now (if locally known)
// or parked in in.Redactions until the target arrives; either way, event's
// own arrival may be what a previously queued redaction was waiting on, so
// it is also checked as a target in its own right.
func (in *Inputer) resolveRedactions(ctx context.Context, event *pdu.PDU) error {
	powerLevels, roomVersion, err := in.currentPowerLevels(ctx, event.RoomID)
	if err != nil {
		return err
	}

	if event.Type == types.MRoomRedaction && event.Redacts != "" {
		stored, ok, err := in.Store.EventByID(ctx, event.Redacts)
		if err != nil {
			return err
		}
		if !ok {
			if err := in.Redactions.Enqueue(ctx, event); err != nil {
				return err
			}
		} else {
			target, err := pdu.ParsePDU(stored.Raw)
			if err != nil {
				return err
			}
			if _, err := in.Redactions.ResolveTarget(ctx, target, powerLevels, roomVersion, true); err != nil {
				return err
			}
		}
	}

	// event itself may be the target of a redaction queued before it was known.
	_, err = in.Redactions.ResolveTarget(ctx, event, powerLevels, roomVersion, true)
	return err
}

// currentPowerLevels returns the room's live m.room.power_levels event (nil
// if none set) and room version, for deciding a redaction's power-level
// clause against the same resolved current state checkSoftFail uses.
func (in *Inputer) currentPowerLevels(ctx context.Context, roomID string) (*pdu.PDU, string, error) {
	info, known, err := in.Rooms.RoomInfo(ctx, roomID)
	if err != nil || !known || info.IsStub {
		return nil, "", err
	}
	entries, err := in.Compressor.Resolve(ctx, info.StateSnapshotNID)
	if err != nil {
		return nil, "", err
	}
	state, err := in.materializeState(ctx, entries)
	if err != nil {
		return nil, "", err
	}
	return state[types.StateKeyTuple{EventType: types.MRoomPowerLevels, StateKey: ""}], info.RoomVersion, nil
}
