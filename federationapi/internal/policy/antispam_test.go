// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAntispamTransport struct {
	inviteCalls      int
	joinCalls        int
	acceptJoinCalls  int
	lastBackend      Backend
	err              error
}

func (f *fakeAntispamTransport) UserMayInvite(_ context.Context, backend Backend, _ BackendConfig, _, _, _ string) error {
	f.inviteCalls++
	f.lastBackend = backend
	return f.err
}

func (f *fakeAntispamTransport) UserMayJoinRoom(_ context.Context, backend Backend, _ BackendConfig, _, _ string, _ bool) error {
	f.joinCalls++
	f.lastBackend = backend
	return f.err
}

func (f *fakeAntispamTransport) AcceptMakeJoin(_ context.Context, backend Backend, _ BackendConfig, _, _ string) error {
	f.acceptJoinCalls++
	f.lastBackend = backend
	return f.err
}

func TestAntispamServiceNoBackendConfiguredAllowsEverything(t *testing.T) {
	s := NewAntispamService(AntispamConfig{}, &fakeAntispamTransport{err: errors.New("should never be called")})
	require.NoError(t, s.UserMayInvite(context.Background(), "@a:x", "@b:x", "!r:x"))
	require.NoError(t, s.UserMayJoinRoom(context.Background(), "@a:x", "!r:x", false))
	require.NoError(t, s.AcceptMakeJoin(context.Background(), "!r:x", "@a:x"))
}

func TestAntispamServicePrefersMeowlnirOverDraupnir(t *testing.T) {
	transport := &fakeAntispamTransport{}
	s := NewAntispamService(AntispamConfig{
		Meowlnir: &BackendConfig{BaseURL: "https://meow"},
		Draupnir: &BackendConfig{BaseURL: "https://draup"},
	}, transport)

	require.NoError(t, s.UserMayInvite(context.Background(), "@a:x", "@b:x", "!r:x"))
	assert.Equal(t, BackendMeowlnir, transport.lastBackend)
}

func TestAntispamServiceFailsClosedOnBackendError(t *testing.T) {
	transport := &fakeAntispamTransport{err: errors.New("blocked by policy")}
	s := NewAntispamService(AntispamConfig{Draupnir: &BackendConfig{BaseURL: "https://draup"}}, transport)

	err := s.UserMayJoinRoom(context.Background(), "@a:x", "!r:x", false)
	assert.Error(t, err, "a backend error must block the action")
}

func TestAcceptMakeJoinIsMeowlnirOnly(t *testing.T) {
	transport := &fakeAntispamTransport{}
	s := NewAntispamService(AntispamConfig{Draupnir: &BackendConfig{BaseURL: "https://draup"}}, transport)

	require.NoError(t, s.AcceptMakeJoin(context.Background(), "!r:x", "@a:x"))
	assert.Zero(t, transport.acceptJoinCalls, "Draupnir has no accept_make_join hook")
}
