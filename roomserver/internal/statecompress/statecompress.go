// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package statecompress implements the state compressor from §4.3: each
// room state snapshot is a set of (ShortStateKey, ShortEventID) bindings,
// stored either as a delta against a parent snapshot or, once a delta
// chain grows too long, as a fully materialized root snapshot. This
// mirrors the teacher's state_snapshots/state_block_nids split (see
// storage/sqlite3/state_snapshot_table.go and
// storage/sqlite3/state_block_table.go) generalized over the module's own
// kv.Store rather than SQL tables.
package statecompress

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// DefaultDeltaThreshold is the default chain-length cutoff beyond which a
// new root snapshot is materialized instead of appending another delta
// (§4.3 step 3).
const DefaultDeltaThreshold = 100

// snapshot is the persisted representation of a state snapshot: either a
// root (Parent == 0, Full holds every binding) or a delta against Parent
// (Added/Removed hold only the changed bindings).
type snapshot struct {
	Parent  types.ShortStateHash
	Depth   int // number of deltas since the nearest root, inclusive
	Added   []types.StateEntry
	Removed []types.StateKeyTuple
	Full    []types.StateEntry // only populated for root snapshots
}

// Compressor manages the delta chain for room state snapshots.
type Compressor struct {
	kv             kv.Store
	deltaThreshold int
}

// New constructs a Compressor. A deltaThreshold <= 0 uses
// DefaultDeltaThreshold.
func New(store kv.Store, deltaThreshold int) *Compressor {
	if deltaThreshold <= 0 {
		deltaThreshold = DefaultDeltaThreshold
	}
	return &Compressor{kv: store, deltaThreshold: deltaThreshold}
}

func snapshotKey(h types.ShortStateHash) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(h))
	return buf
}

func (c *Compressor) allocHash(ctx context.Context) (types.ShortStateHash, error) {
	v, ok, err := c.kv.Get(ctx, kv.CFCounters, []byte("counter/state_hash"))
	if err != nil {
		return 0, err
	}
	var next uint64
	if ok {
		next = binary.BigEndian.Uint64(v)
	}
	next++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := c.kv.Put(ctx, kv.CFCounters, []byte("counter/state_hash"), buf); err != nil {
		return 0, err
	}
	return types.ShortStateHash(next), nil
}

func (c *Compressor) load(ctx context.Context, h types.ShortStateHash) (*snapshot, error) {
	if h == 0 {
		return &snapshot{}, nil
	}
	raw, ok, err := c.kv.Get(ctx, kv.CFStateSnapshot, snapshotKey(h))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kv.NotFoundErr{CF: kv.CFStateSnapshot, Key: snapshotKey(h)}
	}
	return decodeSnapshot(raw), nil
}

func (c *Compressor) save(ctx context.Context, h types.ShortStateHash, s *snapshot) error {
	return c.kv.Put(ctx, kv.CFStateSnapshot, snapshotKey(h), encodeSnapshot(s))
}

// AppendToState implements §4.3's append_to_state: given the parent
// snapshot and a new (type, state_key) -> event binding, returns the
// ShortStateHash of the resulting snapshot, recording either a delta or,
// once the chain exceeds the threshold, a fresh materialized root.
func (c *Compressor) AppendToState(ctx context.Context, parent types.ShortStateHash, newEntry types.StateEntry) (types.ShortStateHash, error) {
	parentSnap, err := c.load(ctx, parent)
	if err != nil {
		return 0, fmt.Errorf("statecompress: load parent snapshot: %w", err)
	}

	full, err := c.Resolve(ctx, parent)
	if err != nil {
		return 0, fmt.Errorf("statecompress: resolve parent state: %w", err)
	}
	var removed []types.StateKeyTuple
	if old, ok := full[newEntry.StateKeyTuple]; ok && old.EventID != newEntry.EventID {
		removed = append(removed, newEntry.StateKeyTuple)
	}

	newHash, err := c.allocHash(ctx)
	if err != nil {
		return 0, err
	}

	if parent != 0 && parentSnap.Depth+1 <= c.deltaThreshold {
		s := &snapshot{
			Parent:  parent,
			Depth:   parentSnap.Depth + 1,
			Added:   []types.StateEntry{newEntry},
			Removed: removed,
		}
		if err := c.save(ctx, newHash, s); err != nil {
			return 0, err
		}
		return newHash, nil
	}

	// Materialize a fresh root: either there is no parent, or the delta
	// chain has grown past the threshold. newHash was already allocated
	// above, so save directly rather than going through MaterializeRoot
	// (which would allocate a second, unused hash).
	full[newEntry.StateKeyTuple] = newEntry
	materialized := make([]types.StateEntry, 0, len(full))
	for _, e := range full {
		materialized = append(materialized, e)
	}
	s := &snapshot{Full: materialized}
	if err := c.save(ctx, newHash, s); err != nil {
		return 0, err
	}
	return newHash, nil
}

// MaterializeRoot persists entries as a brand-new root snapshot (no
// parent), for state that didn't arise from incrementally appending to an
// existing chain — chiefly a state-resolution merge across multiple
// branches, which naturally produces a fresh full state rather than a
// single delta against one particular parent.
func (c *Compressor) MaterializeRoot(ctx context.Context, entries []types.StateEntry) (types.ShortStateHash, error) {
	newHash, err := c.allocHash(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.save(ctx, newHash, &snapshot{Full: entries}); err != nil {
		return 0, err
	}
	return newHash, nil
}

// Resolve fully expands a snapshot into its complete set of bindings,
// walking the delta chain back to the nearest root.
func (c *Compressor) Resolve(ctx context.Context, h types.ShortStateHash) (map[types.StateKeyTuple]types.StateEntry, error) {
	if h == 0 {
		return map[types.StateKeyTuple]types.StateEntry{}, nil
	}

	var chain []*snapshot
	cur := h
	for cur != 0 {
		s, err := c.load(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, s)
		if s.Full != nil {
			break
		}
		cur = s.Parent
	}

	out := map[types.StateKeyTuple]types.StateEntry{}
	root := chain[len(chain)-1]
	for _, e := range root.Full {
		out[e.StateKeyTuple] = e
	}
	for i := len(chain) - 2; i >= 0; i-- {
		s := chain[i]
		for _, k := range s.Removed {
			delete(out, k)
		}
		for _, e := range s.Added {
			out[e.StateKeyTuple] = e
		}
	}
	return out, nil
}

// StateAdded implements §4.3's state_added(a, b): the set of bindings
// present at snapshot b but not at snapshot a, used for incremental sync.
// When a and b are on the same delta chain this only needs to replay the
// deltas between them; as a reference implementation this resolves both
// fully and diffs, which is correct but not the optimized common-ancestor
// walk a production backend would do.
func (c *Compressor) StateAdded(ctx context.Context, a, b types.ShortStateHash) ([]types.StateEntry, error) {
	before, err := c.Resolve(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("statecompress: resolve %d: %w", a, err)
	}
	after, err := c.Resolve(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("statecompress: resolve %d: %w", b, err)
	}
	var added []types.StateEntry
	for k, e := range after {
		if old, ok := before[k]; !ok || old.EventID != e.EventID {
			added = append(added, e)
		}
	}
	return added, nil
}

// StateRemoved is the symmetric counterpart to StateAdded: bindings
// present at a but absent (or superseded) at b.
func (c *Compressor) StateRemoved(ctx context.Context, a, b types.ShortStateHash) ([]types.StateKeyTuple, error) {
	before, err := c.Resolve(ctx, a)
	if err != nil {
		return nil, err
	}
	after, err := c.Resolve(ctx, b)
	if err != nil {
		return nil, err
	}
	var removed []types.StateKeyTuple
	for k, e := range before {
		if newE, ok := after[k]; !ok || newE.EventID != e.EventID {
			removed = append(removed, k)
		}
	}
	return removed, nil
}

func encodeSnapshot(s *snapshot) []byte {
	buf := make([]byte, 0, 64)
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:8], uint64(s.Parent))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(s.Depth))
	buf = append(buf, hdr...)
	buf = append(buf, encodeEntries(s.Added)...)
	buf = append(buf, encodeTuples(s.Removed)...)
	buf = append(buf, encodeEntries(s.Full)...)
	return buf
}

func decodeSnapshot(raw []byte) *snapshot {
	s := &snapshot{
		Parent: types.ShortStateHash(binary.BigEndian.Uint64(raw[0:8])),
		Depth:  int(binary.BigEndian.Uint64(raw[8:16])),
	}
	off := 16
	s.Added, off = decodeEntries(raw, off)
	s.Removed, off = decodeTuples(raw, off)
	s.Full, _ = decodeEntries(raw, off)
	return s
}

func encodeEntries(entries []types.StateEntry) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = appendString(buf, e.EventType)
		buf = appendString(buf, e.StateKey)
		sk := make([]byte, 8)
		binary.BigEndian.PutUint64(sk, uint64(e.ShortStateKey))
		buf = append(buf, sk...)
		ev := make([]byte, 8)
		binary.BigEndian.PutUint64(ev, uint64(e.EventID))
		buf = append(buf, ev...)
	}
	return buf
}

func decodeEntries(raw []byte, off int) ([]types.StateEntry, int) {
	n := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	out := make([]types.StateEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var eventType, stateKey string
		eventType, off = readString(raw, off)
		stateKey, off = readString(raw, off)
		sk := types.ShortStateKey(binary.BigEndian.Uint64(raw[off : off+8]))
		off += 8
		ev := types.ShortEventID(binary.BigEndian.Uint64(raw[off : off+8]))
		off += 8
		out = append(out, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{EventType: eventType, StateKey: stateKey},
			ShortStateKey: sk,
			EventID:       ev,
		})
	}
	return out, off
}

func encodeTuples(tuples []types.StateKeyTuple) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(tuples)))
	for _, t := range tuples {
		buf = appendString(buf, t.EventType)
		buf = appendString(buf, t.StateKey)
	}
	return buf
}

func decodeTuples(raw []byte, off int) ([]types.StateKeyTuple, int) {
	n := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	out := make([]types.StateKeyTuple, 0, n)
	for i := uint32(0); i < n; i++ {
		var eventType, stateKey string
		eventType, off = readString(raw, off)
		stateKey, off = readString(raw, off)
		out = append(out, types.StateKeyTuple{EventType: eventType, StateKey: stateKey})
	}
	return out, off
}

func appendString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, []byte(s)...)
}

func readString(raw []byte, off int) (string, int) {
	n := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	s := string(raw[off : off+int(n)])
	off += int(n)
	return s, off
}
