// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventstore implements the event store from §4.2: content-
// addressed storage of canonical JSON PDUs, indexed by event ID, by
// (ShortRoomID, PduCount) and by ShortEventID, with a write lock per room
// that serializes PduID allocation.
package eventstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// StoredEvent is an event as held by the store: its raw PDU plus the
// bookkeeping the rest of the core needs (short ID, whether it's an
// outlier, whether it's been soft-failed, its PduID if appended).
type StoredEvent struct {
	ShortEventID types.ShortEventID
	EventID      string
	RoomID       string
	Raw          []byte
	IsOutlier    bool
	IsRejected   bool
	SoftFailed   bool
	PduID        *types.PduID
}

// Store is the event store described in §4.2.
type Store struct {
	kv    kv.Store
	short *shortid.Catalog

	mu           sync.Mutex
	roomInsertMu map[types.ShortRoomID]*sync.Mutex
}

// New constructs an event store over the given backend and short-ID
// catalog.
func New(store kv.Store, short *shortid.Catalog) *Store {
	return &Store{kv: store, short: short, roomInsertMu: map[types.ShortRoomID]*sync.Mutex{}}
}

// InsertMutexForRoom returns the per-room write lock that serializes PduID
// allocation (§4.2, §5 "timeline.mutex_insert[room_id]").
func (s *Store) InsertMutexForRoom(room types.ShortRoomID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.roomInsertMu[room]
	if !ok {
		m = &sync.Mutex{}
		s.roomInsertMu[room] = m
	}
	return m
}

func pduCounterKey(room types.ShortRoomID) []byte {
	return append([]byte("pducounter/"), shortEventKey(types.ShortEventID(room))...)
}

// NextPduCount allocates the next live (non-backfill) PduCount for room,
// persisting the new high-water mark before returning it. Callers must hold
// InsertMutexForRoom(room) while calling this and appending the event, so
// that allocation and persistence are never observed out of order by
// another caller (§5).
func (s *Store) NextPduCount(ctx context.Context, room types.ShortRoomID) (types.PduCount, error) {
	v, ok, err := s.kv.Get(ctx, kv.CFCounters, pduCounterKey(room))
	if err != nil {
		return 0, err
	}
	var next int64
	if ok {
		next = int64(binary.BigEndian.Uint64(v)) + 1
	} else {
		next = 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := s.kv.Put(ctx, kv.CFCounters, pduCounterKey(room), buf); err != nil {
		return 0, fmt.Errorf("eventstore: persist pdu counter: %w", err)
	}
	return types.NewPduCountFromLiveCounter(next), nil
}

// NextBackfillCount allocates the next backfill PduCount for room from the
// same monotonic counter as NextPduCount, negated per §4.7 so backfilled
// events always sort before any live event the room already had.
func (s *Store) NextBackfillCount(ctx context.Context, room types.ShortRoomID) (types.PduCount, error) {
	live, err := s.NextPduCount(ctx, room)
	if err != nil {
		return 0, err
	}
	return types.NewPduCountFromBackfillCounter(int64(live)), nil
}

func eventIDKey(eventID string) []byte { return []byte(eventID) }

func shortEventKey(id types.ShortEventID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func pduIDKey(id types.PduID) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id.Room))
	// The count's sign bit is flipped so that byte order matches signed
	// PduCount order: backfilled (negative) counts sort before live ones.
	binary.BigEndian.PutUint64(buf[8:16], uint64(id.Count)^(1<<63))
	return buf
}

// StorePDU persists a PDU's canonical JSON indexed by event ID and by
// short event ID, enforcing the §4.2/§6.1 65535-byte size limit. It does
// not place the event on the timeline; callers do that separately via
// AppendToTimeline once the event is accepted (not merely an outlier).
func (s *Store) StorePDU(ctx context.Context, p *pdu.PDU, isOutlier, isRejected bool) (types.ShortEventID, error) {
	if len(p.Raw()) > pdu.MaxPDUBytes {
		return 0, fmt.Errorf("eventstore: pdu %s is %d bytes, exceeds %d byte limit", p.EventID, len(p.Raw()), pdu.MaxPDUBytes)
	}
	sid, err := s.short.GetOrCreateShortEventID(ctx, p.EventID)
	if err != nil {
		return 0, fmt.Errorf("eventstore: intern event id: %w", err)
	}
	if err := s.kv.Put(ctx, kv.CFEventJSON, eventIDKey(p.EventID), p.Raw()); err != nil {
		return 0, fmt.Errorf("eventstore: store pdu json: %w", err)
	}
	meta := encodeMeta(p.RoomID, isOutlier, isRejected, false)
	if err := s.kv.Put(ctx, kv.CFShortEventID, shortEventMetaKey(sid), meta); err != nil {
		return 0, fmt.Errorf("eventstore: store event meta: %w", err)
	}
	return sid, nil
}

func shortEventMetaKey(id types.ShortEventID) []byte {
	return append([]byte("meta/"), shortEventKey(id)...)
}

func encodeMeta(roomID string, isOutlier, isRejected, softFailed bool) []byte {
	flags := byte(0)
	if isOutlier {
		flags |= 1
	}
	if isRejected {
		flags |= 2
	}
	if softFailed {
		flags |= 4
	}
	return append([]byte{flags}, []byte(roomID)...)
}

func decodeMeta(b []byte) (roomID string, isOutlier, isRejected, softFailed bool) {
	if len(b) == 0 {
		return "", false, false, false
	}
	flags := b[0]
	return string(b[1:]), flags&1 != 0, flags&2 != 0, flags&4 != 0
}

// MarkSoftFailed flips the soft-fail flag for an already-stored event,
// per §4.6 Stage 7 / invariant 6: soft-failed events remain in the outlier
// store but never reach the timeline.
func (s *Store) MarkSoftFailed(ctx context.Context, eventID string) error {
	sid, ok, err := s.short.ShortEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("eventstore: cannot mark unknown event %s soft-failed", eventID)
	}
	meta, _, err := s.kv.Get(ctx, kv.CFShortEventID, shortEventMetaKey(sid))
	if err != nil {
		return err
	}
	roomID, isOutlier, isRejected, _ := decodeMeta(meta)
	if err := s.kv.Put(ctx, kv.CFShortEventID, shortEventMetaKey(sid), encodeMeta(roomID, isOutlier, isRejected, true)); err != nil {
		return err
	}
	return s.kv.Put(ctx, kv.CFSoftFailed, eventIDKey(eventID), []byte{1})
}

// IsSoftFailed reports whether eventID is in the soft-fail set (§6.5's
// `event_id→()` "soft-failed" map).
func (s *Store) IsSoftFailed(ctx context.Context, eventID string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, kv.CFSoftFailed, eventIDKey(eventID))
	return ok, err
}

// EventByID fetches a PDU by its string event ID.
func (s *Store) EventByID(ctx context.Context, eventID string) (*StoredEvent, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.CFEventJSON, eventIDKey(eventID))
	if err != nil || !ok {
		return nil, false, err
	}
	sid, ok, err := s.short.ShortEventID(ctx, eventID)
	if err != nil || !ok {
		return nil, false, err
	}
	meta, _, err := s.kv.Get(ctx, kv.CFShortEventID, shortEventMetaKey(sid))
	if err != nil {
		return nil, false, err
	}
	roomID, isOutlier, isRejected, softFailed := decodeMeta(meta)
	pduID, _, err := s.PduIDForEventID(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	return &StoredEvent{
		ShortEventID: sid,
		EventID:      eventID,
		RoomID:       roomID,
		Raw:          raw,
		IsOutlier:    isOutlier,
		IsRejected:   isRejected,
		SoftFailed:   softFailed,
		PduID:        pduID,
	}, true, nil
}

// EventsByIDs is the batch form of EventByID, matching the teacher's
// `EventsFromIDs` convention used for re-processing checks.
func (s *Store) EventsByIDs(ctx context.Context, eventIDs []string) ([]*StoredEvent, error) {
	out := make([]*StoredEvent, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, ok, err := s.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func pduIDIndexKey(eventID string) []byte { return []byte("pduid/" + eventID) }

// AppendToTimeline assigns a PduID to an already-stored event and indexes
// it both by PduID and by event ID, under the caller-held room insert
// mutex (§4.2, §5).
func (s *Store) AppendToTimeline(ctx context.Context, ev *StoredEvent, id types.PduID) error {
	if err := s.kv.Put(ctx, kv.CFPduIDToJSON, pduIDKey(id), ev.Raw); err != nil {
		return fmt.Errorf("eventstore: index pdu by pdu id: %w", err)
	}
	buf := pduIDKey(id)
	if err := s.kv.Put(ctx, kv.CFEventIDToPduID, pduIDIndexKey(ev.EventID), buf); err != nil {
		return fmt.Errorf("eventstore: index pdu id by event id: %w", err)
	}
	ev.PduID = &id
	return nil
}

// ApplyRedaction overwrites a stored event's canonical JSON with its
// redacted form, in both the by-event-ID and (if it has one) by-PduID
// indices, per §4.8: once `user_can_redact` allows a redaction against a
// locally known target, the stored content is replaced in place rather
// than appending a tombstone.
func (s *Store) ApplyRedaction(ctx context.Context, eventID string, redactedRaw []byte) error {
	if err := s.kv.Put(ctx, kv.CFEventJSON, eventIDKey(eventID), redactedRaw); err != nil {
		return fmt.Errorf("eventstore: store redacted pdu json: %w", err)
	}
	id, ok, err := s.PduIDForEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.kv.Put(ctx, kv.CFPduIDToJSON, pduIDKey(*id), redactedRaw)
}

// PduIDForEventID returns the PduID assigned to eventID, if it has one.
func (s *Store) PduIDForEventID(ctx context.Context, eventID string) (*types.PduID, bool, error) {
	v, ok, err := s.kv.Get(ctx, kv.CFEventIDToPduID, pduIDIndexKey(eventID))
	if err != nil || !ok {
		return nil, false, err
	}
	id := types.PduID{
		Room:  types.ShortRoomID(binary.BigEndian.Uint64(v[0:8])),
		Count: types.PduCount(binary.BigEndian.Uint64(v[8:16]) ^ (1 << 63)),
	}
	return &id, true, nil
}

// PdusRev iterates timeline events in room in descending PduCount order,
// starting strictly before `from` (or from the top if from is nil).
func (s *Store) PdusRev(ctx context.Context, room types.ShortRoomID, from *types.PduCount, limit int) ([]*StoredEvent, error) {
	return s.iteratePdus(ctx, room, from, limit, true)
}

// Pdus iterates timeline events in room in ascending PduCount order.
func (s *Store) Pdus(ctx context.Context, room types.ShortRoomID, from *types.PduCount, limit int) ([]*StoredEvent, error) {
	return s.iteratePdus(ctx, room, from, limit, false)
}

func (s *Store) iteratePdus(ctx context.Context, room types.ShortRoomID, from *types.PduCount, limit int, reverse bool) ([]*StoredEvent, error) {
	roomPrefix := make([]byte, 8)
	binary.BigEndian.PutUint64(roomPrefix, uint64(room))
	keys, err := kv.KeysWithPrefix(ctx, s.kv, kv.CFPduIDToJSON, roomPrefix)
	if err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	var out []*StoredEvent
	for _, key := range keys {
		count := types.PduCount(binary.BigEndian.Uint64(key[8:16]) ^ (1 << 63))
		if from != nil {
			if reverse && count >= *from {
				continue
			}
			if !reverse && count <= *from {
				continue
			}
		}
		raw, ok, err := s.kv.Get(ctx, kv.CFPduIDToJSON, key)
		if err != nil || !ok {
			continue
		}
		p, err := pdu.ParsePDU(raw)
		if err != nil {
			continue
		}
		sid, _, err := s.short.ShortEventID(ctx, p.EventID)
		if err != nil {
			return nil, err
		}
		out = append(out, &StoredEvent{
			ShortEventID: sid,
			EventID:      p.EventID,
			RoomID:       p.RoomID,
			Raw:          raw,
			PduID: &types.PduID{Room: room, Count: count},
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FirstPduInRoom returns the event at the minimum PduCount in the room.
func (s *Store) FirstPduInRoom(ctx context.Context, room types.ShortRoomID) (*StoredEvent, bool, error) {
	evs, err := s.Pdus(ctx, room, nil, 1)
	if err != nil || len(evs) == 0 {
		return nil, false, err
	}
	return evs[0], true, nil
}
