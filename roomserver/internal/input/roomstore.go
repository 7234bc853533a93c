// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// roomStore is the RoomInfoStore implementation backed by the same kv.Store
// every other roomserver subsystem uses, following shortid.Catalog's
// counter-persisted-before-return convention so a crashed process resumes
// from the correct short room ID.
type roomStore struct {
	kv    kv.Store
	short *shortid.Catalog

	mu       sync.Mutex
	latestMu map[string]*sync.Mutex
}

// NewRoomStore constructs a RoomInfoStore over store, interning room IDs
// via short.
func NewRoomStore(store kv.Store, short *shortid.Catalog) RoomInfoStore {
	return &roomStore{kv: store, short: short, latestMu: map[string]*sync.Mutex{}}
}

func roomInfoKey(roomID string) []byte      { return []byte("info/" + roomID) }
func latestKey(roomID string) []byte        { return []byte("latest/" + roomID) }
func eventSnapshotKey(eventID string) []byte { return []byte("eventstate/" + eventID) }

// encodeRoomInfo lays the record out as: state snapshot NID (8 bytes), a
// stub/partial-state flag byte, a 2-byte big-endian count of partial-state
// servers followed by their newline-joined bytes, then the room version for
// the remainder of the buffer. Matrix server names never contain a
// newline, so the join is unambiguous.
func encodeRoomInfo(info types.RoomInfo) []byte {
	buf := make([]byte, 8+1)
	binary.BigEndian.PutUint64(buf[0:8], uint64(info.StateSnapshotNID))
	if info.IsStub {
		buf[8] |= 1
	}
	if info.IsPartialState {
		buf[8] |= 2
	}
	servers := []byte(strings.Join(info.PartialStateServers, "\n"))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(servers)))
	buf = append(buf, lenBuf...)
	buf = append(buf, servers...)
	buf = append(buf, []byte(info.RoomVersion)...)
	return buf
}

func decodeRoomInfo(roomID string, nid types.ShortRoomID, raw []byte) types.RoomInfo {
	serverLen := int(binary.BigEndian.Uint16(raw[9:11]))
	serversRaw := raw[11 : 11+serverLen]
	info := types.RoomInfo{
		RoomNID:          nid,
		RoomID:           roomID,
		StateSnapshotNID: types.ShortStateHash(binary.BigEndian.Uint64(raw[0:8])),
		IsStub:           raw[8]&1 != 0,
		IsPartialState:   raw[8]&2 != 0,
		RoomVersion:      string(raw[11+serverLen:]),
	}
	if len(serversRaw) > 0 {
		info.PartialStateServers = strings.Split(string(serversRaw), "\n")
	}
	return info
}

// RoomInfo returns the stored record for roomID, if any.
func (s *roomStore) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.CFRoomCurrentState, roomInfoKey(roomID))
	if err != nil || !ok {
		return nil, false, err
	}
	nid, ok, err := s.short.ShortRoomID(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("input: room %s has stored info but no short room id", roomID)
	}
	info := decodeRoomInfo(roomID, nid, raw)
	return &info, true, nil
}

// EnsureRoom returns the existing record for roomID, creating a stub
// record (no state snapshot yet) if this is the first time it's been seen
// — the "add the room as a stub" step of §4.6 Stage 1's gatekeeping.
func (s *roomStore) EnsureRoom(ctx context.Context, roomID, roomVersion string) (*types.RoomInfo, error) {
	if info, ok, err := s.RoomInfo(ctx, roomID); err != nil {
		return nil, err
	} else if ok {
		return info, nil
	}
	nid, err := s.short.GetOrCreateShortRoomID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("input: intern room id: %w", err)
	}
	info := types.RoomInfo{RoomNID: nid, RoomID: roomID, RoomVersion: roomVersion, IsStub: true}
	if err := s.kv.Put(ctx, kv.CFRoomCurrentState, roomInfoKey(roomID), encodeRoomInfo(info)); err != nil {
		return nil, fmt.Errorf("input: store stub room info: %w", err)
	}
	return &info, nil
}

// SetStateSnapshot records the room's new current-state snapshot hash,
// marking the room no longer a stub once it has one.
func (s *roomStore) SetStateSnapshot(ctx context.Context, roomID string, snapshot types.ShortStateHash) error {
	info, ok, err := s.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("input: cannot set state snapshot for unknown room %s", roomID)
	}
	info.StateSnapshotNID = snapshot
	info.IsStub = false
	return s.kv.Put(ctx, kv.CFRoomCurrentState, roomInfoKey(roomID), encodeRoomInfo(*info))
}

// SetPartialState marks roomID as joined with only partial state (MSC3706
// faster joins), recording the servers to resync the remainder from.
func (s *roomStore) SetPartialState(ctx context.Context, roomID string, servers []string) error {
	info, ok, err := s.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("input: cannot mark unknown room %s as partial state", roomID)
	}
	info.IsPartialState = true
	info.PartialStateServers = servers
	return s.kv.Put(ctx, kv.CFRoomCurrentState, roomInfoKey(roomID), encodeRoomInfo(*info))
}

// ClearPartialState marks roomID as having completed its MSC3706 background
// resync; it now has full state like any other room.
func (s *roomStore) ClearPartialState(ctx context.Context, roomID string) error {
	info, ok, err := s.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("input: cannot clear partial state for unknown room %s", roomID)
	}
	info.IsPartialState = false
	info.PartialStateServers = nil
	return s.kv.Put(ctx, kv.CFRoomCurrentState, roomInfoKey(roomID), encodeRoomInfo(*info))
}

// AllPartialStateRooms returns the room IDs currently marked partial-state,
// for the resync worker to queue on startup.
func (s *roomStore) AllPartialStateRooms(ctx context.Context) ([]string, error) {
	prefix := []byte("info/")
	var out []string
	err := s.kv.Iterate(ctx, kv.CFRoomCurrentState, prefix, kv.PrefixUpperBound(prefix), func(key, value []byte) (bool, error) {
		if len(value) < 9 || value[8]&2 == 0 {
			return true, nil
		}
		out = append(out, string(key[len(prefix):]))
		return true, nil
	})
	return out, err
}

func (s *roomStore) mutexFor(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.latestMu[roomID]
	if !ok {
		m = &sync.Mutex{}
		s.latestMu[roomID] = m
	}
	return m
}

// SetLatestEvents overwrites the room's forward-extremity set (§3.1's
// "latest_events"), newline-joined since Matrix event IDs never contain one.
func (s *roomStore) SetLatestEvents(ctx context.Context, roomID string, eventIDs []string) error {
	m := s.mutexFor(roomID)
	m.Lock()
	defer m.Unlock()
	return s.kv.Put(ctx, kv.CFRoomExtremities, latestKey(roomID), []byte(strings.Join(eventIDs, "\n")))
}

// LatestEvents returns the room's current forward-extremity set.
func (s *roomStore) LatestEvents(ctx context.Context, roomID string) ([]string, error) {
	m := s.mutexFor(roomID)
	m.Lock()
	defer m.Unlock()
	raw, ok, err := s.kv.Get(ctx, kv.CFRoomExtremities, latestKey(roomID))
	if err != nil || !ok || len(raw) == 0 {
		return nil, err
	}
	return strings.Split(string(raw), "\n"), nil
}

// EventStateSnapshot returns the state-after snapshot recorded for eventID.
func (s *roomStore) EventStateSnapshot(ctx context.Context, eventID string) (types.ShortStateHash, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.CFEventStateSnapshot, eventSnapshotKey(eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	return types.ShortStateHash(binary.BigEndian.Uint64(raw)), true, nil
}

// SetEventStateSnapshot records the state-after snapshot for eventID.
func (s *roomStore) SetEventStateSnapshot(ctx context.Context, eventID string, snapshot types.ShortStateHash) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(snapshot))
	return s.kv.Put(ctx, kv.CFEventStateSnapshot, eventSnapshotKey(eventID), buf)
}
