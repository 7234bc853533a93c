// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package syncassoc implements §6.5's `(room_id,token)→state_hash`
// persisted map: a small read/write accessor recording which resolved
// state snapshot was current in a room as of a given sync token, so the
// (out-of-scope) sync subsystem can later answer "what was the room's
// state as of the point this client last synced" without re-resolving
// state from the event DAG. Grounded on this module's own
// `roomserver/internal/input/roomstore.go` EventStateSnapshot convention
// (a per-key `types.ShortStateHash` stored as 8 big-endian bytes in its
// own kv.ColumnFamily) rather than on a distinct teacher file — the
// retrieval pack's syncapi storage layer precedes the streaming-token
// scheme this accessor fronts, so the shape is carried over from the
// sibling roomserver accessor instead.
package syncassoc

import (
	"context"
	"encoding/binary"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// Store is the (room_id, token) -> state_hash accessor over kv.CFSyncTokenState.
type Store struct {
	kv kv.Store
}

// New constructs a Store over store's backing kv.Store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

func assocKey(roomID, token string) []byte {
	return []byte(roomID + "\x00" + token)
}

// Associate records that roomID's current-state snapshot as of token is
// stateHash. Called whenever the sync subsystem issues a new streaming
// token for a room, so a later lookup can recover the state as the client
// saw it.
func (s *Store) Associate(ctx context.Context, roomID, token string, stateHash types.ShortStateHash) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(stateHash))
	return s.kv.Put(ctx, kv.CFSyncTokenState, assocKey(roomID, token), buf)
}

// StateHashForToken returns the state snapshot recorded for (roomID, token),
// if any.
func (s *Store) StateHashForToken(ctx context.Context, roomID, token string) (types.ShortStateHash, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.CFSyncTokenState, assocKey(roomID, token))
	if err != nil || !ok {
		return 0, false, err
	}
	return types.ShortStateHash(binary.BigEndian.Uint64(raw)), true, nil
}

// Forget removes the association for (roomID, token), for callers that
// prune expired sync tokens.
func (s *Store) Forget(ctx context.Context, roomID, token string) error {
	return s.kv.Delete(ctx, kv.CFSyncTokenState, assocKey(roomID, token))
}
