// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

func mustPDU(t *testing.T, eventID, roomID string) *pdu.PDU {
	t.Helper()
	raw := []byte(`{"event_id":"` + eventID + `","room_id":"` + roomID + `","type":"m.room.message","sender":"@alice:example.com","origin_server_ts":1,"content":{},"prev_events":[],"auth_events":[]}`)
	p, err := pdu.ParsePDU(raw)
	require.NoError(t, err)
	return p
}

func newStore(t *testing.T) (*Store, *shortid.Catalog) {
	t.Helper()
	backend := kv.NewMemory()
	short := shortid.NewCatalog(backend)
	return New(backend, short), short
}

func TestStorePDUAndFetchByID(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	p := mustPDU(t, "$a:example.com", "!room:example.com")

	_, err := store.StorePDU(ctx, p, false, false)
	require.NoError(t, err)

	got, ok, err := store.EventByID(ctx, "$a:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!room:example.com", got.RoomID)
	assert.False(t, got.IsOutlier)
	assert.False(t, got.SoftFailed)
	assert.Nil(t, got.PduID)
}

func TestStorePDURejectsOversized(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	huge := `{"event_id":"$a:example.com","room_id":"!r:example.com","type":"m.room.message","content":{"body":"` + strings.Repeat("x", pdu.MaxPDUBytes) + `"}}`
	p := &pdu.PDU{EventID: "$a:example.com", RoomID: "!r:example.com"}
	p.SetRaw([]byte(huge))

	_, err := store.StorePDU(ctx, p, false, false)
	require.Error(t, err)
}

func TestMarkSoftFailedAndQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	p := mustPDU(t, "$a:example.com", "!room:example.com")
	_, err := store.StorePDU(ctx, p, false, false)
	require.NoError(t, err)

	softFailed, err := store.IsSoftFailed(ctx, "$a:example.com")
	require.NoError(t, err)
	assert.False(t, softFailed)

	require.NoError(t, store.MarkSoftFailed(ctx, "$a:example.com"))

	softFailed, err = store.IsSoftFailed(ctx, "$a:example.com")
	require.NoError(t, err)
	assert.True(t, softFailed)

	got, ok, err := store.EventByID(ctx, "$a:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.SoftFailed)
}

func TestAppendToTimelineAndIteration(t *testing.T) {
	ctx := context.Background()
	store, short := newStore(t)
	room, err := short.GetOrCreateShortRoomID(ctx, "!room:example.com")
	require.NoError(t, err)

	var ids []string
	for i, eid := range []string{"$a:example.com", "$b:example.com", "$c:example.com"} {
		p := mustPDU(t, eid, "!room:example.com")
		_, err := store.StorePDU(ctx, p, false, false)
		require.NoError(t, err)
		ev, ok, err := store.EventByID(ctx, eid)
		require.NoError(t, err)
		require.True(t, ok)
		pduID := types.PduID{Room: room, Count: types.NewPduCountFromLiveCounter(int64(i + 1))}
		require.NoError(t, store.AppendToTimeline(ctx, ev, pduID))
		ids = append(ids, eid)
	}

	fwd, err := store.Pdus(ctx, room, nil, 0)
	require.NoError(t, err)
	require.Len(t, fwd, 3)
	for i, ev := range fwd {
		assert.Equal(t, ids[i], ev.EventID)
	}

	rev, err := store.PdusRev(ctx, room, nil, 0)
	require.NoError(t, err)
	require.Len(t, rev, 3)
	for i, ev := range rev {
		assert.Equal(t, ids[len(ids)-1-i], ev.EventID)
	}

	first, ok, err := store.FirstPduInRoom(ctx, room)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], first.EventID)

	pduID, ok, err := store.PduIDForEventID(ctx, ids[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, room, pduID.Room)
}

func TestApplyRedactionOverwritesBothEventAndPduIDIndices(t *testing.T) {
	ctx := context.Background()
	store, short := newStore(t)
	room, err := short.GetOrCreateShortRoomID(ctx, "!room:example.com")
	require.NoError(t, err)

	p := mustPDU(t, "$a:example.com", "!room:example.com")
	_, err = store.StorePDU(ctx, p, false, false)
	require.NoError(t, err)
	ev, ok, err := store.EventByID(ctx, "$a:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	pduID := types.PduID{Room: room, Count: types.NewPduCountFromLiveCounter(1)}
	require.NoError(t, store.AppendToTimeline(ctx, ev, pduID))

	redacted := []byte(`{"event_id":"$a:example.com","room_id":"!room:example.com","type":"m.room.message","content":{}}`)
	require.NoError(t, store.ApplyRedaction(ctx, "$a:example.com", redacted))

	got, ok, err := store.EventByID(ctx, "$a:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(redacted), string(got.Raw))

	fwd, err := store.Pdus(ctx, room, nil, 0)
	require.NoError(t, err)
	require.Len(t, fwd, 1)
	assert.JSONEq(t, string(redacted), string(fwd[0].Raw))
}

func TestApplyRedactionOnEventNeverAppendedToTimelineUpdatesEventJSON(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	p := mustPDU(t, "$a:example.com", "!room:example.com")
	_, err := store.StorePDU(ctx, p, false, false)
	require.NoError(t, err)

	redacted := []byte(`{"event_id":"$a:example.com","room_id":"!room:example.com","type":"m.room.message","content":{}}`)
	require.NoError(t, store.ApplyRedaction(ctx, "$a:example.com", redacted))

	got, ok, err := store.EventByID(ctx, "$a:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(redacted), string(got.Raw))
}

func TestInsertMutexForRoomIsStablePerRoom(t *testing.T) {
	store, _ := newStore(t)
	a := store.InsertMutexForRoom(types.ShortRoomID(1))
	b := store.InsertMutexForRoom(types.ShortRoomID(1))
	c := store.InsertMutexForRoom(types.ShortRoomID(2))
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
