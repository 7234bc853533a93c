// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package redactionqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
)

type fakeEventStore struct {
	applied map[string][]byte
}

func (f *fakeEventStore) ApplyRedaction(_ context.Context, eventID string, redactedRaw []byte) error {
	if f.applied == nil {
		f.applied = map[string][]byte{}
	}
	f.applied[eventID] = redactedRaw
	return nil
}

func mustPDU(t *testing.T, raw string) *pdu.PDU {
	t.Helper()
	p, err := pdu.ParsePDU([]byte(raw))
	require.NoError(t, err)
	return p
}

func TestUserCanRedactSelfRedactionAlwaysAllowed(t *testing.T) {
	redaction := mustPDU(t, `{"event_id":"$r","room_id":"!x","type":"m.room.redaction","sender":"@alice:hs1","redacts":"$m"}`)
	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{}}`)
	assert.True(t, UserCanRedact(redaction, target, nil, "10", false))
}

func TestUserCanRedactRequiresPowerLevel(t *testing.T) {
	redaction := mustPDU(t, `{"event_id":"$r","room_id":"!x","type":"m.room.redaction","sender":"@mallory:hs1","redacts":"$m"}`)
	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{}}`)
	pl := mustPDU(t, `{"event_id":"$pl","room_id":"!x","type":"m.room.power_levels","sender":"@alice:hs1","state_key":"","content":{"redact":50,"users":{"@mallory:hs1":0}}}`)
	assert.False(t, UserCanRedact(redaction, target, pl, "10", false))

	modPL := mustPDU(t, `{"event_id":"$pl","room_id":"!x","type":"m.room.power_levels","sender":"@alice:hs1","state_key":"","content":{"redact":50,"users":{"@mallory:hs1":50}}}`)
	assert.True(t, UserCanRedact(redaction, target, modPL, "10", false))
}

func TestUserCanRedactPreV3FederationSameDomainRule(t *testing.T) {
	redaction := mustPDU(t, `{"event_id":"$r","room_id":"!x","type":"m.room.redaction","sender":"@mod:hs2","redacts":"$m"}`)
	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{}}`)
	pl := mustPDU(t, `{"event_id":"$pl","room_id":"!x","type":"m.room.power_levels","sender":"@alice:hs1","state_key":"","content":{"redact":0,"users":{"@mod:hs2":100}}}`)

	// v10 has no ExtraRedactionChecks: power level alone governs.
	assert.True(t, UserCanRedact(redaction, target, pl, "10", true))

	// v1 requires same-domain in a federation context even with sufficient power level.
	assert.False(t, UserCanRedact(redaction, target, pl, "1", true))

	// the same cross-domain redaction is fine outside a federation context
	// (e.g. a client-submitted redaction the local server itself authors).
	assert.True(t, UserCanRedact(redaction, target, pl, "1", false))
}

func TestEnqueueThenResolveTargetAppliesRedaction(t *testing.T) {
	store := kv.NewMemory()
	events := &fakeEventStore{}
	q := New(store, events)
	ctx := context.Background()

	redaction := mustPDU(t, `{"event_id":"$r","room_id":"!x","type":"m.room.redaction","sender":"@alice:hs1","redacts":"$m","origin_server_ts":1}`)
	require.NoError(t, q.Enqueue(ctx, redaction))

	pending, err := q.PendingFor(ctx, "$m")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, JobPending, pending[0].Status)

	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{"body":"hi"}}`)
	resolved, err := q.ResolveTarget(ctx, target, nil, "10", false)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, JobCompleted, resolved[0].Status)
	assert.Contains(t, events.applied, "$m")

	pending, err = q.PendingFor(ctx, "$m")
	require.NoError(t, err)
	assert.Empty(t, pending, "resolved jobs must be removed from the queue")
}

func TestResolveTargetMarksFailedWithoutApplyingWhenNotAllowed(t *testing.T) {
	store := kv.NewMemory()
	events := &fakeEventStore{}
	q := New(store, events)
	ctx := context.Background()

	redaction := mustPDU(t, `{"event_id":"$r","room_id":"!x","type":"m.room.redaction","sender":"@mallory:hs1","redacts":"$m","origin_server_ts":1}`)
	require.NoError(t, q.Enqueue(ctx, redaction))

	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{"body":"hi"}}`)
	pl := mustPDU(t, `{"event_id":"$pl","room_id":"!x","type":"m.room.power_levels","sender":"@alice:hs1","state_key":"","content":{"redact":50,"users":{"@mallory:hs1":0}}}`)
	resolved, err := q.ResolveTarget(ctx, target, pl, "10", false)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, JobFailed, resolved[0].Status)
	assert.NotContains(t, events.applied, "$m")
}

func TestResolveTargetIsNoOpWithoutPendingJobs(t *testing.T) {
	store := kv.NewMemory()
	events := &fakeEventStore{}
	q := New(store, events)
	ctx := context.Background()

	target := mustPDU(t, `{"event_id":"$m","room_id":"!x","type":"m.room.message","sender":"@alice:hs1","content":{}}`)
	resolved, err := q.ResolveTarget(ctx, target, nil, "10", false)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}
