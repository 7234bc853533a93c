// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shortid implements the short-ID catalog from §4.1: bijective
// interning of event IDs, state keys and room IDs into compact 64-bit
// identifiers used throughout the core. New IDs are drawn from a per-space
// monotonically-increasing counter guarded by a mutex; the mapping is
// persisted before the ID is returned, so a crash between allocation and
// persistence can never be observed by another caller.
package shortid

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// Catalog interns strings into short IDs, backed by a kv.Store.
type Catalog struct {
	store kv.Store

	mu          sync.Mutex
	eventCtr    int64
	stateKeyCtr int64
	roomCtr     int64
	loaded      bool
}

// NewCatalog constructs a Catalog over the given store. Counters are
// lazily recovered from the store's existing entries on first use, so a
// restarted process resumes from the correct high-water mark.
func NewCatalog(store kv.Store) *Catalog {
	return &Catalog{store: store}
}

func counterKey(space string) []byte { return []byte("counter/" + space) }

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	for space, dst := range map[string]*int64{
		"event":     &c.eventCtr,
		"statekey":  &c.stateKeyCtr,
		"room":      &c.roomCtr,
	} {
		v, ok, err := c.store.Get(ctx, kv.CFCounters, counterKey(space))
		if err != nil {
			return err
		}
		if ok {
			*dst = int64(binary.BigEndian.Uint64(v))
		}
	}
	c.loaded = true
	return nil
}

func (c *Catalog) nextCounter(ctx context.Context, space string, ctr *int64) (int64, error) {
	*ctr++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(*ctr))
	if err := c.store.Put(ctx, kv.CFCounters, counterKey(space), buf); err != nil {
		*ctr--
		return 0, fmt.Errorf("shortid: persist %s counter: %w", space, err)
	}
	return *ctr, nil
}

func eventKey(eventID string) []byte      { return []byte("event/" + eventID) }
func eventRevKey(id types.ShortEventID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// GetOrCreateShortEventID interns an event ID, assigning a new ShortEventID
// on first reference. Invariant 2: once assigned, an event's ShortEventID
// never changes.
func (c *Catalog) GetOrCreateShortEventID(ctx context.Context, eventID string) (types.ShortEventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	if v, ok, err := c.store.Get(ctx, kv.CFShortEventID, eventKey(eventID)); err != nil {
		return 0, err
	} else if ok {
		return types.ShortEventID(binary.BigEndian.Uint64(v)), nil
	}
	next, err := c.nextCounter(ctx, "event", &c.eventCtr)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := c.store.Put(ctx, kv.CFShortEventID, eventKey(eventID), buf); err != nil {
		return 0, fmt.Errorf("shortid: persist event mapping: %w", err)
	}
	if err := c.store.Put(ctx, kv.CFShortEventID, eventRevKey(types.ShortEventID(next)), []byte(eventID)); err != nil {
		return 0, fmt.Errorf("shortid: persist reverse event mapping: %w", err)
	}
	return types.ShortEventID(next), nil
}

// ShortEventID returns the interned ID for eventID without creating one, or
// ok=false if it has never been seen.
func (c *Catalog) ShortEventID(ctx context.Context, eventID string) (id types.ShortEventID, ok bool, err error) {
	v, found, err := c.store.Get(ctx, kv.CFShortEventID, eventKey(eventID))
	if err != nil || !found {
		return 0, false, err
	}
	return types.ShortEventID(binary.BigEndian.Uint64(v)), true, nil
}

// EventIDFor reverses a ShortEventID back to its string form.
func (c *Catalog) EventIDFor(ctx context.Context, id types.ShortEventID) (string, bool, error) {
	v, ok, err := c.store.Get(ctx, kv.CFShortEventID, eventRevKey(id))
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

// GetOrCreateShortEventIDs is the batch form of GetOrCreateShortEventID.
func (c *Catalog) GetOrCreateShortEventIDs(ctx context.Context, eventIDs []string) (map[string]types.ShortEventID, error) {
	out := make(map[string]types.ShortEventID, len(eventIDs))
	for _, id := range eventIDs {
		sid, err := c.GetOrCreateShortEventID(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = sid
	}
	return out, nil
}

func stateKeyKey(eventType, stateKey string) []byte {
	return []byte("statekey/" + eventType + "\x00" + stateKey)
}
func stateKeyRevKey(id types.ShortStateKey) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return append([]byte("rev/"), buf...)
}

// GetOrCreateShortStateKey interns a (type, state_key) pair.
func (c *Catalog) GetOrCreateShortStateKey(ctx context.Context, eventType, stateKey string) (types.ShortStateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	key := stateKeyKey(eventType, stateKey)
	if v, ok, err := c.store.Get(ctx, kv.CFShortStateKey, key); err != nil {
		return 0, err
	} else if ok {
		return types.ShortStateKey(binary.BigEndian.Uint64(v)), nil
	}
	next, err := c.nextCounter(ctx, "statekey", &c.stateKeyCtr)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := c.store.Put(ctx, kv.CFShortStateKey, key, buf); err != nil {
		return 0, fmt.Errorf("shortid: persist state key mapping: %w", err)
	}
	if err := c.store.Put(ctx, kv.CFShortStateKey, stateKeyRevKey(types.ShortStateKey(next)), []byte(eventType+"\x00"+stateKey)); err != nil {
		return 0, fmt.Errorf("shortid: persist reverse state key mapping: %w", err)
	}
	return types.ShortStateKey(next), nil
}

// GetOrCreateShortStateKeys is the batch form of GetOrCreateShortStateKey.
func (c *Catalog) GetOrCreateShortStateKeys(ctx context.Context, tuples []types.StateKeyTuple) (map[types.StateKeyTuple]types.ShortStateKey, error) {
	out := make(map[types.StateKeyTuple]types.ShortStateKey, len(tuples))
	for _, t := range tuples {
		sid, err := c.GetOrCreateShortStateKey(ctx, t.EventType, t.StateKey)
		if err != nil {
			return nil, err
		}
		out[t] = sid
	}
	return out, nil
}

func roomKey(roomID string) []byte { return []byte("room/" + roomID) }

// GetOrCreateShortRoomID interns a room ID.
func (c *Catalog) GetOrCreateShortRoomID(ctx context.Context, roomID string) (types.ShortRoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	key := roomKey(roomID)
	if v, ok, err := c.store.Get(ctx, kv.CFShortRoomID, key); err != nil {
		return 0, err
	} else if ok {
		return types.ShortRoomID(binary.BigEndian.Uint64(v)), nil
	}
	next, err := c.nextCounter(ctx, "room", &c.roomCtr)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := c.store.Put(ctx, kv.CFShortRoomID, key, buf); err != nil {
		return 0, fmt.Errorf("shortid: persist room mapping: %w", err)
	}
	return types.ShortRoomID(next), nil
}

// ShortRoomID returns the interned ID for roomID without creating one.
func (c *Catalog) ShortRoomID(ctx context.Context, roomID string) (id types.ShortRoomID, ok bool, err error) {
	v, found, err := c.store.Get(ctx, kv.CFShortRoomID, roomKey(roomID))
	if err != nil || !found {
		return 0, false, err
	}
	return types.ShortRoomID(binary.BigEndian.Uint64(v)), true, nil
}
