// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncassoc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

func TestAssociateThenStateHashForToken(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	_, ok, err := s.StateHashForToken(ctx, "!r:x", "s1_2_3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Associate(ctx, "!r:x", "s1_2_3", types.ShortStateHash(42)))

	got, ok, err := s.StateHashForToken(ctx, "!r:x", "s1_2_3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ShortStateHash(42), got)
}

func TestAssociationsAreScopedPerRoomAndToken(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	require.NoError(t, s.Associate(ctx, "!r1:x", "tok", types.ShortStateHash(1)))
	require.NoError(t, s.Associate(ctx, "!r2:x", "tok", types.ShortStateHash(2)))

	got1, ok, err := s.StateHashForToken(ctx, "!r1:x", "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ShortStateHash(1), got1)

	got2, ok, err := s.StateHashForToken(ctx, "!r2:x", "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ShortStateHash(2), got2)
}

func TestForgetRemovesAssociation(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	require.NoError(t, s.Associate(ctx, "!r:x", "tok", types.ShortStateHash(7)))
	require.NoError(t, s.Forget(ctx, "!r:x", "tok"))

	_, ok, err := s.StateHashForToken(ctx, "!r:x", "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}
