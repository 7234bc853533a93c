// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stateres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/internal/auth"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/roomversion"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

func mustPDU(t *testing.T, raw string) *pdu.PDU {
	t.Helper()
	p, err := pdu.ParsePDU([]byte(raw))
	require.NoError(t, err)
	return p
}

// newCheckerFactory returns a CheckerFactory whose FetchEvent resolves any
// cited auth_event ID from the full fixture set, and whose FetchState
// reads from whatever partial state the resolver passes in at each step.
func newCheckerFactory(t *testing.T, createEvent *pdu.PDU, all map[string]*pdu.PDU) CheckerFactory {
	t.Helper()
	features, err := roomversion.Get("10")
	require.NoError(t, err)
	return func(state StateMap) *auth.Checker {
		return &auth.Checker{
			Features:    features,
			CreateEvent: createEvent,
			FetchEvent: func(eventID string) (*pdu.PDU, bool, error) {
				ev, ok := all[eventID]
				return ev, ok, nil
			},
			FetchState: func(eventType, stateKey string) (*pdu.PDU, bool, error) {
				ev, ok := state[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
				return ev, ok, nil
			},
		}
	}
}

// TestResolveMainlineOrderingPicksLatestConflictingOther exercises the
// non-power mainline-ordering path (§4.5 steps 7-8): two forks agree on
// create/power_levels/alice's membership/join_rules, but diverge on the
// room topic. Since both topic events pass auth equally, mainline
// ordering (tied at the same power-levels ancestor) falls through to the
// origin_server_ts tie-break, and the later one wins.
func TestResolveMainlineOrderingPicksLatestConflictingOther(t *testing.T) {
	create := mustPDU(t, `{
		"event_id":"$create","room_id":"!r:example.com","type":"m.room.create",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":1,
		"content":{"creator":"@alice:example.com","room_version":"10"},
		"prev_events":[],"auth_events":[]
	}`)
	pl := mustPDU(t, `{
		"event_id":"$pl","room_id":"!r:example.com","type":"m.room.power_levels",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":2,
		"content":{"users":{"@alice:example.com":100}},
		"prev_events":["$alice-join"],"auth_events":["$create","$alice-join"]
	}`)
	aliceJoin := mustPDU(t, `{
		"event_id":"$alice-join","room_id":"!r:example.com","type":"m.room.member",
		"sender":"@alice:example.com","state_key":"@alice:example.com","origin_server_ts":3,
		"content":{"membership":"join"},
		"prev_events":["$create"],"auth_events":["$create"]
	}`)
	joinRules := mustPDU(t, `{
		"event_id":"$jr","room_id":"!r:example.com","type":"m.room.join_rules",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":4,
		"content":{"join_rule":"public"},
		"prev_events":["$alice-join"],"auth_events":["$create","$pl","$alice-join"]
	}`)
	topicA := mustPDU(t, `{
		"event_id":"$topic-a","room_id":"!r:example.com","type":"m.room.topic",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":10,
		"content":{"topic":"A"},
		"prev_events":["$jr"],"auth_events":["$create","$pl","$alice-join"]
	}`)
	topicB := mustPDU(t, `{
		"event_id":"$topic-b","room_id":"!r:example.com","type":"m.room.topic",
		"sender":"@alice:example.com","state_key":"","origin_server_ts":20,
		"content":{"topic":"B"},
		"prev_events":["$jr"],"auth_events":["$create","$pl","$alice-join"]
	}`)

	all := map[string]*pdu.PDU{
		"$create": create, "$pl": pl, "$alice-join": aliceJoin, "$jr": joinRules,
		"$topic-a": topicA, "$topic-b": topicB,
	}

	fork1 := StateMap{
		{EventType: types.MRoomCreate, StateKey: ""}:                   create,
		{EventType: types.MRoomPowerLevels, StateKey: ""}:              pl,
		{EventType: types.MRoomMember, StateKey: "@alice:example.com"}: aliceJoin,
		{EventType: types.MRoomJoinRules, StateKey: ""}:                joinRules,
		{EventType: "m.room.topic", StateKey: ""}:                      topicA,
	}
	fork2 := StateMap{
		{EventType: types.MRoomCreate, StateKey: ""}:                   create,
		{EventType: types.MRoomPowerLevels, StateKey: ""}:              pl,
		{EventType: types.MRoomMember, StateKey: "@alice:example.com"}: aliceJoin,
		{EventType: types.MRoomJoinRules, StateKey: ""}:                joinRules,
		{EventType: "m.room.topic", StateKey: ""}:                      topicB,
	}

	features, err := roomversion.Get("10")
	require.NoError(t, err)
	resolver := New(features, newCheckerFactory(t, create, all))

	resolved := resolver.Resolve([]StateMap{fork1, fork2}, []map[string]*pdu.PDU{{}, {}})

	topic, ok := resolved[types.StateKeyTuple{EventType: "m.room.topic", StateKey: ""}]
	require.True(t, ok)
	assert.Equal(t, "$topic-b", topic.EventID, "the later-timestamped conflicting topic event should win")

	plResolved, ok := resolved[types.StateKeyTuple{EventType: types.MRoomPowerLevels, StateKey: ""}]
	require.True(t, ok)
	assert.Equal(t, "$pl", plResolved.EventID)
}

// TestIsPowerEvent exercises §4.5 step 5's power-event predicate directly.
func TestIsPowerEvent(t *testing.T) {
	pl := mustPDU(t, `{
		"event_id":"$pl","room_id":"!r","type":"m.room.power_levels","state_key":"",
		"sender":"@a:x","origin_server_ts":1,"content":{}
	}`)
	assert.True(t, isPowerEvent(pl))

	selfLeave := mustPDU(t, `{
		"event_id":"$leave","room_id":"!r","type":"m.room.member","state_key":"@a:x",
		"sender":"@a:x","origin_server_ts":1,"content":{"membership":"leave"}
	}`)
	assert.False(t, isPowerEvent(selfLeave), "a self-leave is not a power event")

	kickedByOther := mustPDU(t, `{
		"event_id":"$kick","room_id":"!r","type":"m.room.member","state_key":"@b:x",
		"sender":"@a:x","origin_server_ts":1,"content":{"membership":"leave"}
	}`)
	assert.True(t, isPowerEvent(kickedByOther), "a leave authored by someone other than the target is a power event")

	topic := mustPDU(t, `{
		"event_id":"$t","room_id":"!r","type":"m.room.topic","state_key":"",
		"sender":"@a:x","origin_server_ts":1,"content":{}
	}`)
	assert.False(t, isPowerEvent(topic))
}
