// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shortid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
)

func TestGetOrCreateShortEventIDIsStableAndUnique(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(kv.NewMemory())

	id1, err := cat.GetOrCreateShortEventID(ctx, "$a:example.com")
	require.NoError(t, err)
	id2, err := cat.GetOrCreateShortEventID(ctx, "$b:example.com")
	require.NoError(t, err)
	idAgain, err := cat.GetOrCreateShortEventID(ctx, "$a:example.com")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, id1, idAgain, "interning the same event ID twice must return the same short ID")

	eventID, ok, err := cat.EventIDFor(ctx, id1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$a:example.com", eventID)
}

func TestShortEventIDUnknownDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(kv.NewMemory())
	_, ok, err := cat.ShortEventID(ctx, "$never-seen:example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrCreateShortStateKeyDistinguishesTypeAndKey(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(kv.NewMemory())

	a, err := cat.GetOrCreateShortStateKey(ctx, "m.room.member", "@alice:example.com")
	require.NoError(t, err)
	b, err := cat.GetOrCreateShortStateKey(ctx, "m.room.member", "@bob:example.com")
	require.NoError(t, err)
	c, err := cat.GetOrCreateShortStateKey(ctx, "m.room.join_rules", "@alice:example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGetOrCreateShortRoomIDThenShortRoomID(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(kv.NewMemory())

	id, err := cat.GetOrCreateShortRoomID(ctx, "!room:example.com")
	require.NoError(t, err)

	got, ok, err := cat.ShortRoomID(ctx, "!room:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)
}
