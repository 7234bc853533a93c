// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the short-ID and positional types shared by every
// roomserver subsystem: short event/state-key/room IDs, state snapshot
// hashes, and the per-room PduCount/PduID addressing scheme.
package types

import (
	"fmt"
)

// ShortEventID is a compact 64-bit identifier interned for an event ID.
type ShortEventID int64

// ShortStateKey is a compact 64-bit identifier interned for a (type,
// state_key) pair.
type ShortStateKey int64

// ShortRoomID is a compact 64-bit identifier interned for a room ID.
type ShortRoomID int64

// ShortStateHash identifies a state snapshot (a set of ShortStateKey ->
// ShortEventID bindings).
type ShortStateHash int64

// StateKeyTuple is the pair (event type, state key string) that a state
// snapshot maps to an event ID.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return fmt.Sprintf("%s|%s", t.EventType, t.StateKey)
}

// StateEntry is a single binding within a state snapshot: which short state
// key maps to which short event ID.
type StateEntry struct {
	StateKeyTuple
	ShortStateKey ShortStateKey
	EventID       ShortEventID
}

// PduCount is the signed per-room monotonic position described in §3.1.
// Positive values are assigned during normal ingest; negative values are
// assigned during backfill (encoded as 0-counter), so backfilled history
// always sorts before live history in a total order.
type PduCount int64

// NewPduCountFromLiveCounter returns the PduCount for a live (non-backfill)
// append using the next value drawn from the room's monotonic counter.
func NewPduCountFromLiveCounter(counter int64) PduCount {
	return PduCount(counter)
}

// NewPduCountFromBackfillCounter returns the PduCount for a backfilled event
// using the next value drawn from the room's monotonic counter.
func NewPduCountFromBackfillCounter(counter int64) PduCount {
	return PduCount(0 - counter)
}

// IsBackfilled reports whether this position was assigned by backfill.
func (c PduCount) IsBackfilled() bool { return c < 0 }

// PduID is the canonical internal address of an event in the timeline.
type PduID struct {
	Room  ShortRoomID
	Count PduCount
}

func (p PduID) String() string {
	return fmt.Sprintf("%d/%d", p.Room, p.Count)
}

// RoomInfo is the minimal record the core keeps about a known room: its
// short ID, room version, and current state snapshot.
type RoomInfo struct {
	RoomNID          ShortRoomID
	RoomID           string
	RoomVersion      string
	StateSnapshotNID ShortStateHash
	// IsStub is true for rooms known only by ID (e.g. referenced by an
	// invite) with no locally stored create event yet.
	IsStub bool
	// IsPartialState is true for a room joined via MSC3706 faster joins
	// whose full membership/auth state has not yet been resynced from
	// PartialStateServers in the background.
	IsPartialState bool
	// PartialStateServers is the server list handed back by the resident
	// server's /send_join response, consulted by the background resync
	// worker when IsPartialState is true.
	PartialStateServers []string
}

// DeduplicateStateEntries removes duplicate (StateKeyTuple) bindings,
// keeping the last occurrence — mirroring the dendrite convention that
// later entries in a merged list win.
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	seen := make(map[StateKeyTuple]int, len(entries))
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		if idx, ok := seen[e.StateKeyTuple]; ok {
			out[idx] = e
			continue
		}
		seen[e.StateKeyTuple] = len(out)
		out = append(out, e)
	}
	return out
}
