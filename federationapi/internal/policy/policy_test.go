// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

type fakeRoomState struct {
	content    Content
	configured bool
	inRoom     bool
}

func (f *fakeRoomState) PolicyServer(context.Context, string) (Content, bool, error) {
	return f.content, f.configured, nil
}

func (f *fakeRoomState) ServerInRoom(context.Context, string, spec.ServerName) (bool, error) {
	return f.inRoom, nil
}

type fakeTransport struct {
	recommendation string
	checkErr       error
	checkCalls     int
	signature      string
	signOK         bool
	signErr        error
}

func (f *fakeTransport) PolicyCheck(context.Context, spec.ServerName, string, []byte) (string, error) {
	f.checkCalls++
	return f.recommendation, f.checkErr
}

func (f *fakeTransport) PolicySign(context.Context, spec.ServerName, []byte) (string, bool, error) {
	return f.signature, f.signOK, f.signErr
}

func mustPDU(t *testing.T, eventID, roomID, eventType string) *pdu.PDU {
	t.Helper()
	raw := []byte(`{"event_id":"` + eventID + `","room_id":"` + roomID + `","type":"` + eventType + `","sender":"@alice:example.com","origin_server_ts":1,"content":{}}`)
	p, err := pdu.ParsePDU(raw)
	require.NoError(t, err)
	return p
}

func TestRecommendationBypassesMetaEvent(t *testing.T) {
	g := New(&fakeRoomState{configured: true}, &fakeTransport{})
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", EventType))
	require.NoError(t, err)
	assert.False(t, spam)
	assert.False(t, ok)
}

func TestRecommendationPassesThroughWhenNoPolicyServerConfigured(t *testing.T) {
	g := New(&fakeRoomState{configured: false}, &fakeTransport{})
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", "m.room.message"))
	require.NoError(t, err)
	assert.False(t, spam)
	assert.False(t, ok)
}

func TestRecommendationPassesThroughWhenPolicyServerNotInRoom(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}, inRoom: false}
	transport := &fakeTransport{}
	g := New(state, transport)
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", "m.room.message"))
	require.NoError(t, err)
	assert.False(t, spam)
	assert.False(t, ok)
	assert.Zero(t, transport.checkCalls, "must not contact a policy server that has no member in the room")
}

func TestRecommendationReportsSpam(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}, inRoom: true}
	transport := &fakeTransport{recommendation: "spam"}
	g := New(state, transport)
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", "m.room.message"))
	require.NoError(t, err)
	assert.True(t, spam)
	assert.True(t, ok)
}

func TestRecommendationCachesVerdictPerEvent(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}, inRoom: true}
	transport := &fakeTransport{recommendation: "spam"}
	g := New(state, transport)
	event := mustPDU(t, "$a", "!r:example.com", "m.room.message")

	_, _, err := g.Recommendation(context.Background(), "!r:example.com", event)
	require.NoError(t, err)
	_, _, err = g.Recommendation(context.Background(), "!r:example.com", event)
	require.NoError(t, err)

	assert.Equal(t, 1, transport.checkCalls, "a cached verdict must not trigger a second round trip")
}

func TestRecommendationFailsOpenOnTransportError(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}, inRoom: true}
	transport := &fakeTransport{checkErr: errors.New("connection refused")}
	g := New(state, transport)
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", "m.room.message"))
	require.NoError(t, err, "a transport failure fails open, not propagated as an error")
	assert.False(t, spam)
	assert.False(t, ok)
}

func TestRecommendationFailsOpenOnTimeout(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}, inRoom: true}
	transport := &blockingTransport{release: make(chan struct{})}
	defer close(transport.release)
	g := New(state, transport)
	g.Timeout = 5 * time.Millisecond
	spam, ok, err := g.Recommendation(context.Background(), "!r:example.com", mustPDU(t, "$a", "!r:example.com", "m.room.message"))
	require.NoError(t, err)
	assert.False(t, spam)
	assert.False(t, ok)
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) PolicyCheck(ctx context.Context, _ spec.ServerName, _ string, _ []byte) (string, error) {
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingTransport) PolicySign(context.Context, spec.ServerName, []byte) (string, bool, error) {
	return "", false, nil
}

func TestSignSplicesSignatureIntoEvent(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example", PublicKey: "abc"}}
	transport := &fakeTransport{signature: "base64sig", signOK: true}
	g := New(state, transport)

	raw := []byte(`{"event_id":"$a","room_id":"!r:example.com","type":"m.room.message","content":{}}`)
	out, err := g.Sign(context.Background(), "!r:example.com", raw)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"ed25519:policy_server":"base64sig"`)
}

func TestSignIsNoOpWhenRoomDoesNotRequireASignature(t *testing.T) {
	state := &fakeRoomState{configured: true, content: Content{Via: "policy.example"}}
	g := New(state, &fakeTransport{})

	raw := []byte(`{"event_id":"$a","room_id":"!r:example.com","type":"m.room.message","content":{}}`)
	out, err := g.Sign(context.Background(), "!r:example.com", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestParseContent(t *testing.T) {
	c := ParseContent([]byte(`{"via":"policy.example","public_key":"abc"}`))
	assert.Equal(t, spec.ServerName("policy.example"), c.Via)
	assert.Equal(t, "abc", c.PublicKey)
}
