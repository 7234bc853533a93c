// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/dendrite-core/roomserver/internal/stateres"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// stitchAndAdvance implements §4.6 Stage 8 / §4.7: assign the event a
// PduID, append it to the timeline under the room's insert mutex, compute
// its state-after (stateBefore plus the event itself if it carries state),
// index that snapshot for future Stage 4 lookups, advance the room's
// current-state pointer, and update forward extremities by removing the
// event's prev_events and adding the event itself.
func (in *Inputer) stitchAndAdvance(ctx context.Context, event *pdu.PDU, stateBefore stateres.StateMap) error {
	version := "10"
	if create, ok := stateBefore[types.StateKeyTuple{EventType: types.MRoomCreate, StateKey: ""}]; ok {
		version = pduRoomVersion(create)
	} else if event.Type == types.MRoomCreate {
		version = pduRoomVersion(event)
	}
	info, err := in.Rooms.EnsureRoom(ctx, event.RoomID, version)
	if err != nil {
		return err
	}

	mutex := in.Store.InsertMutexForRoom(info.RoomNID)
	mutex.Lock()
	defer mutex.Unlock()

	stored, ok, err := in.Store.EventByID(ctx, event.EventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("input: stitch: %s was not stored before reaching stage 8", event.EventID)
	}
	count, err := in.Store.NextPduCount(ctx, info.RoomNID)
	if err != nil {
		return err
	}
	if err := in.Store.AppendToTimeline(ctx, stored, types.PduID{Room: info.RoomNID, Count: count}); err != nil {
		return err
	}

	stateAfter, err := in.appendStateAfter(ctx, info, event, stateBefore)
	if err != nil {
		return err
	}
	if err := in.Rooms.SetEventStateSnapshot(ctx, event.EventID, stateAfter); err != nil {
		return err
	}
	if err := in.Rooms.SetStateSnapshot(ctx, event.RoomID, stateAfter); err != nil {
		return err
	}

	return in.advanceExtremities(ctx, event)
}

// appendStateAfter computes the ShortStateHash for the event's state-after,
// preferring the cheap single-parent-delta path (the event's single
// prev_event already has an indexed snapshot) and falling back to
// materializing a fresh root from stateBefore plus the event for any other
// shape (create event, multiple prev_events, or a merge result).
func (in *Inputer) appendStateAfter(ctx context.Context, info *types.RoomInfo, event *pdu.PDU, stateBefore stateres.StateMap) (types.ShortStateHash, error) {
	if !event.IsState() {
		return in.snapshotFor(ctx, stateBefore)
	}
	entry, err := in.entryFor(ctx, event)
	if err != nil {
		return 0, err
	}
	if len(event.PrevEvents) == 1 {
		if parent, ok, err := in.Rooms.EventStateSnapshot(ctx, event.PrevEvents[0]); err != nil {
			return 0, err
		} else if ok {
			return in.Compressor.AppendToState(ctx, parent, entry)
		}
	}
	merged := make(stateres.StateMap, len(stateBefore)+1)
	for k, v := range stateBefore {
		merged[k] = v
	}
	merged[types.StateKeyTuple{EventType: event.Type, StateKey: *event.StateKey}] = event
	return in.snapshotFor(ctx, merged)
}

// snapshotFor materializes a StateMap as a brand-new root snapshot.
func (in *Inputer) snapshotFor(ctx context.Context, state stateres.StateMap) (types.ShortStateHash, error) {
	entries := make([]types.StateEntry, 0, len(state))
	for _, ev := range state {
		e, err := in.entryFor(ctx, ev)
		if err != nil {
			return 0, err
		}
		entries = append(entries, e)
	}
	return in.Compressor.MaterializeRoot(ctx, entries)
}

func (in *Inputer) entryFor(ctx context.Context, event *pdu.PDU) (types.StateEntry, error) {
	sk, err := in.Short.GetOrCreateShortStateKey(ctx, event.Type, *event.StateKey)
	if err != nil {
		return types.StateEntry{}, err
	}
	sid, err := in.Short.GetOrCreateShortEventID(ctx, event.EventID)
	if err != nil {
		return types.StateEntry{}, err
	}
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventType: event.Type, StateKey: *event.StateKey},
		ShortStateKey: sk,
		EventID:       sid,
	}, nil
}

// advanceExtremities implements the forward-extremity update of §4.7:
// remove the event's prev_events from the set (they are no longer
// extremities, having been superseded) and add the event itself.
func (in *Inputer) advanceExtremities(ctx context.Context, event *pdu.PDU) error {
	current, err := in.Rooms.LatestEvents(ctx, event.RoomID)
	if err != nil {
		return err
	}
	prev := make(map[string]struct{}, len(event.PrevEvents))
	for _, id := range event.PrevEvents {
		prev[id] = struct{}{}
	}
	next := make([]string, 0, len(current)+1)
	for _, id := range current {
		if _, superseded := prev[id]; !superseded {
			next = append(next, id)
		}
	}
	next = append(next, event.EventID)
	return in.Rooms.SetLatestEvents(ctx, event.RoomID, next)
}
