// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statecompress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

func entry(eventType, stateKey string, sk types.ShortStateKey, ev types.ShortEventID) types.StateEntry {
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventType: eventType, StateKey: stateKey},
		ShortStateKey: sk,
		EventID:       ev,
	}
}

func TestAppendToStateFromEmptyParent(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemory(), 100)

	h, err := c.AppendToState(ctx, 0, entry("m.room.create", "", 1, 100))
	require.NoError(t, err)
	assert.NotZero(t, h)

	state, err := c.Resolve(ctx, h)
	require.NoError(t, err)
	require.Len(t, state, 1)
	assert.Equal(t, types.ShortEventID(100), state[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}].EventID)
}

func TestAppendToStateChainsAndOverridesKey(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemory(), 100)

	h1, err := c.AppendToState(ctx, 0, entry("m.room.create", "", 1, 100))
	require.NoError(t, err)
	h2, err := c.AppendToState(ctx, h1, entry("m.room.member", "@a:example.com", 2, 101))
	require.NoError(t, err)
	h3, err := c.AppendToState(ctx, h2, entry("m.room.member", "@a:example.com", 2, 102))
	require.NoError(t, err)

	state, err := c.Resolve(ctx, h3)
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, types.ShortEventID(102), state[types.StateKeyTuple{EventType: "m.room.member", StateKey: "@a:example.com"}].EventID)

	// h1/h2 are untouched by later appends.
	state1, err := c.Resolve(ctx, h1)
	require.NoError(t, err)
	require.Len(t, state1, 1)
}

func TestAppendToStateMaterializesRootPastThreshold(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemory(), 2)

	h, err := c.AppendToState(ctx, 0, entry("m.room.create", "", 1, 100))
	require.NoError(t, err)
	h, err = c.AppendToState(ctx, h, entry("t1", "", 2, 101))
	require.NoError(t, err)
	h, err = c.AppendToState(ctx, h, entry("t2", "", 3, 102))
	require.NoError(t, err)
	// This append pushes the chain depth past the threshold of 2, so it
	// should materialize instead of appending another delta.
	h, err = c.AppendToState(ctx, h, entry("t3", "", 4, 103))
	require.NoError(t, err)

	state, err := c.Resolve(ctx, h)
	require.NoError(t, err)
	assert.Len(t, state, 4)
}

func TestStateAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemory(), 100)

	h1, err := c.AppendToState(ctx, 0, entry("m.room.create", "", 1, 100))
	require.NoError(t, err)
	h2, err := c.AppendToState(ctx, h1, entry("m.room.member", "@a:example.com", 2, 101))
	require.NoError(t, err)
	h3, err := c.AppendToState(ctx, h2, entry("m.room.member", "@a:example.com", 2, 102))
	require.NoError(t, err)

	added, err := c.StateAdded(ctx, h1, h3)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, types.ShortEventID(102), added[0].EventID)

	removed, err := c.StateRemoved(ctx, h2, h3)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "m.room.member", removed[0].EventType)
}
