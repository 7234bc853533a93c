// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureTable(t *testing.T) {
	tests := []struct {
		version                         string
		explicitlyPrivilegeRoomCreators bool
		roomIDsAsHashes                 bool
		useRoomCreateSender             bool
		specialCaseAliasesAuth          bool
	}{
		{"1", false, false, false, true},
		{"5", false, false, false, true},
		{"6", false, false, false, false},
		{"10", false, false, false, false},
		{"11", false, false, true, false},
		{"12", true, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			f, err := Get(tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.explicitlyPrivilegeRoomCreators, f.ExplicitlyPrivilegeRoomCreators)
			assert.Equal(t, tt.roomIDsAsHashes, f.RoomIDsAsHashes)
			assert.Equal(t, tt.useRoomCreateSender, f.UseRoomCreateSender)
			assert.Equal(t, tt.specialCaseAliasesAuth, f.SpecialCaseAliasesAuth)
		})
	}
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := Get("99-future")
	require.Error(t, err)
	var unsupported ErrUnsupported
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "99-future", unsupported.Version)
}

func TestAtLeast(t *testing.T) {
	assert.True(t, AtLeast("12", "11"))
	assert.True(t, AtLeast("11", "11"))
	assert.False(t, AtLeast("10", "11"))
}
