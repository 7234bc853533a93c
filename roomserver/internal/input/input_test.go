// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/roomserver/internal/eventstore"
	"github.com/matrix-org/dendrite-core/roomserver/internal/redactionqueue"
	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/internal/statecompress"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
)

// noopKeys accepts every event's signatures, for tests that don't exercise
// federation key verification.
type noopKeys struct{}

func (noopKeys) VerifyEventSignatures(context.Context, *pdu.PDU, string) error { return nil }

// noFederation panics if called; tests that never need to backfill or fetch
// across the network use it to catch an unintended dependency.
type noFederation struct{}

func (noFederation) EventAuth(context.Context, spec.ServerName, string, string, string) ([]*pdu.PDU, error) {
	panic("unexpected federation call: EventAuth")
}
func (noFederation) MissingEvents(context.Context, spec.ServerName, string, []string, []string, int) ([]*pdu.PDU, error) {
	panic("unexpected federation call: MissingEvents")
}
func (noFederation) StateIDs(context.Context, spec.ServerName, string, string) ([]string, []string, error) {
	panic("unexpected federation call: StateIDs")
}
func (noFederation) Event(context.Context, spec.ServerName, string, string) (*pdu.PDU, error) {
	panic("unexpected federation call: Event")
}

func newTestInputer(t *testing.T) *Inputer {
	t.Helper()
	store := kv.NewMemory()
	short := shortid.NewCatalog(store)
	return &Inputer{
		Store:      eventstore.New(store, short),
		Short:      short,
		Compressor: statecompress.New(store, statecompress.DefaultDeltaThreshold),
		Rooms:      NewRoomStore(store, short),
		Federation: noFederation{},
		Keys:       noopKeys{},
	}
}

func mustPDU(t *testing.T, raw string) *pdu.PDU {
	t.Helper()
	p, err := pdu.ParsePDU([]byte(raw))
	require.NoError(t, err)
	return p
}

// TestProcessInboundEventAcceptsRoomCreation exercises the pipeline's
// shortest path: a brand-new room's own m.room.create event, which has no
// prev_events or auth_events and so skips Stages 2-6's lookups entirely,
// landing on the timeline via Stage 8.
func TestProcessInboundEventAcceptsRoomCreation(t *testing.T) {
	in := newTestInputer(t)
	create := mustPDU(t, `{
		"event_id":"$create:example.com","room_id":"!r:example.com","type":"m.room.create",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		"content":{"creator":"@alice:example.com","room_version":"10"},
		"prev_events":[],"auth_events":[],
		"hashes":{"sha256":"ignored-in-test"}
	}`)

	res, err := in.ProcessInboundEvent(context.Background(), "example.com", create.Raw())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Accepted, res.Reason)

	info, ok, err := in.Rooms.RoomInfo(context.Background(), "!r:example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, info.IsStub)
	assert.Equal(t, "10", info.RoomVersion)

	latest, err := in.Rooms.LatestEvents(context.Background(), "!r:example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"$create:example.com"}, latest)
}

// TestProcessInboundEventDuplicateIsFastPathed exercises Stage 0: the same
// event processed twice is reported as a duplicate the second time, without
// re-running auth or state resolution.
func TestProcessInboundEventDuplicateIsFastPathed(t *testing.T) {
	in := newTestInputer(t)
	create := mustPDU(t, `{
		"event_id":"$create:example.com","room_id":"!r:example.com","type":"m.room.create",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		"content":{"creator":"@alice:example.com","room_version":"10"},
		"prev_events":[],"auth_events":[]
	}`)
	ctx := context.Background()
	_, err := in.ProcessInboundEvent(ctx, "example.com", create.Raw())
	require.NoError(t, err)

	res, err := in.ProcessInboundEvent(ctx, "example.com", create.Raw())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

// TestProcessInboundEventRejectsUnknownRoomNonCreate exercises Stage 1:
// an event for a room this server has never heard of, that isn't itself a
// create event, is rejected rather than triggering any federation lookups.
func TestProcessInboundEventRejectsUnknownRoomNonCreate(t *testing.T) {
	in := newTestInputer(t)
	topic := mustPDU(t, `{
		"event_id":"$topic:example.com","room_id":"!unknown:example.com","type":"m.room.topic",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		"content":{"topic":"hi"},
		"prev_events":["$nonexistent:example.com"],"auth_events":[]
	}`)

	res, err := in.ProcessInboundEvent(context.Background(), "example.com", topic.Raw())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Rejected)
}

// TestProcessInboundEventRejectsACLDeniedOrigin exercises Stage 1's
// server_acl gate: once a room has an m.room.server_acl event denying a
// server, further events claiming to originate from that server are
// rejected before any state computation.
func TestProcessInboundEventRejectsACLDeniedOrigin(t *testing.T) {
	in := newTestInputer(t)
	ctx := context.Background()

	events := []string{
		`{"event_id":"$create","room_id":"!r:example.com","type":"m.room.create",
		  "sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		  "content":{"creator":"@alice:example.com","room_version":"10"},
		  "prev_events":[],"auth_events":[]}`,
		`{"event_id":"$alice-join","room_id":"!r:example.com","type":"m.room.member",
		  "sender":"@alice:example.com","state_key":"@alice:example.com","origin_server_ts":2,
		  "content":{"membership":"join"},
		  "prev_events":["$create"],"auth_events":["$create"]}`,
		`{"event_id":"$acl","room_id":"!r:example.com","type":"m.room.server_acl",
		  "sender":"@alice:example.com","state_key":"","origin_server_ts":3,
		  "content":{"allow":["*"],"deny":["evil.example"]},
		  "prev_events":["$alice-join"],"auth_events":["$create","$alice-join"]}`,
	}
	for _, raw := range events {
		res, err := in.ProcessInboundEvent(ctx, "example.com", []byte(raw))
		require.NoError(t, err)
		require.True(t, res.Accepted, res.Reason)
	}

	fromDenied := mustPDU(t, `{
		"event_id":"$sneaky","room_id":"!r:example.com","type":"m.room.message",
		"sender":"@mallory:evil.example","state_key":null,"origin_server_ts":4,
		"content":{"body":"hi"},
		"prev_events":["$acl"],"auth_events":["$create","$acl"]
	}`)
	res, err := in.ProcessInboundEvent(ctx, "evil.example", fromDenied.Raw())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Rejected)
	assert.Contains(t, res.Reason, "server_acl")
}

// TestResolveRedactionsQueuesThenAppliesOnceTargetIsKnown exercises §4.8's
// deferred-redaction path end to end: a redaction for a target this server
// hasn't seen yet is parked in the queue rather than lost, and applying the
// target once it arrives resolves the queued job.
func TestResolveRedactionsQueuesThenAppliesOnceTargetIsKnown(t *testing.T) {
	store := kv.NewMemory()
	short := shortid.NewCatalog(store)
	es := eventstore.New(store, short)
	in := &Inputer{
		Store:      es,
		Short:      short,
		Compressor: statecompress.New(store, statecompress.DefaultDeltaThreshold),
		Rooms:      NewRoomStore(store, short),
		Federation: noFederation{},
		Keys:       noopKeys{},
		Redactions: redactionqueue.New(store, es),
	}
	ctx := context.Background()

	create := mustPDU(t, `{
		"event_id":"$create","room_id":"!r:example.com","type":"m.room.create",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		"content":{"creator":"@alice:example.com","room_version":"10"},
		"prev_events":[],"auth_events":[]
	}`)
	res, err := in.ProcessInboundEvent(ctx, "example.com", create.Raw())
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	aliceJoin := mustPDU(t, `{
		"event_id":"$alice-join","room_id":"!r:example.com","type":"m.room.member",
		"sender":"@alice:example.com","state_key":"@alice:example.com","origin_server_ts":2,
		"content":{"membership":"join"},
		"prev_events":["$create"],"auth_events":["$create"]
	}`)
	res, err = in.ProcessInboundEvent(ctx, "example.com", aliceJoin.Raw())
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	powerLevels := mustPDU(t, `{
		"event_id":"$pl","room_id":"!r:example.com","type":"m.room.power_levels",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":3,
		"content":{"users":{"@alice:example.com":100},"redact":50},
		"prev_events":["$alice-join"],"auth_events":["$create","$alice-join"]
	}`)
	res, err = in.ProcessInboundEvent(ctx, "example.com", powerLevels.Raw())
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	// A redaction naming a target this server has never seen: queued, not
	// lost, and the redaction event itself still lands on the timeline.
	redaction := mustPDU(t, `{
		"event_id":"$redact","room_id":"!r:example.com","type":"m.room.redaction",
		"sender":"@alice:example.com","state_key":null,"origin_server_ts":4,
		"redacts":"$msg","content":{"reason":"oops"},
		"prev_events":["$pl"],"auth_events":["$create","$alice-join","$pl"]
	}`)
	res, err = in.ProcessInboundEvent(ctx, "example.com", redaction.Raw())
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	pending, err := in.Redactions.PendingFor(ctx, "$msg")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, redactionqueue.JobPending, pending[0].Status)

	// Now the target arrives, self-redacted (same sender) so the queued
	// job is allowed regardless of power level.
	target := mustPDU(t, `{
		"event_id":"$msg","room_id":"!r:example.com","type":"m.room.message",
		"sender":"@alice:example.com","state_key":null,"origin_server_ts":5,
		"content":{"body":"hello"},
		"prev_events":["$redact"],"auth_events":["$create","$alice-join","$pl"]
	}`)
	res, err = in.ProcessInboundEvent(ctx, "example.com", target.Raw())
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	pending, err = in.Redactions.PendingFor(ctx, "$msg")
	require.NoError(t, err)
	assert.Empty(t, pending, "resolved job must be removed from the queue")

	stored, ok, err := es.EventByID(ctx, "$msg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, gjson.GetBytes(stored.Raw, "content.body").Exists(), "target must be redacted in place")
}
