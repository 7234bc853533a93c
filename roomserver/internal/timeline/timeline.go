// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package timeline implements the backfill half of §4.7: choosing which
// remote servers to ask for a room's missing history, fetching it, and
// appending it to the timeline with backfill PduCounts that sort before
// every live event. Live-side DAG bookkeeping — counter assignment,
// forward-extremity maintenance, and the Pdus/PdusRev/FirstPduInRoom
// iteration primitives — lives in eventstore, which this package builds
// on rather than duplicates.
package timeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/internal/eventerror"
	"github.com/matrix-org/dendrite-core/roomserver/internal/eventstore"
	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/internal/statecompress"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateres"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// Federation is the subset of federation client behaviour the backfill
// trigger needs: fetching the history that precedes a set of events,
// grounded on the teacher's gomatrixserverlib.RequestBackfill/
// FederatedStateProvider use in perform_backfill.go.
type Federation interface {
	Backfill(ctx context.Context, server spec.ServerName, roomID string, limit int, fromEventIDs []string) ([]*pdu.PDU, error)
}

// KeyVerifier checks a backfilled PDU's signatures, matching the same
// capability the ingest pipeline (roomserver/internal/input) consumes.
type KeyVerifier interface {
	VerifyEventSignatures(ctx context.Context, event *pdu.PDU, roomVersion string) error
}

// RoomInfoStore is the subset of room bookkeeping backfill needs: the
// room's current version and state, to pick servers and to materialize
// per-event state snapshots for the events it fetches.
type RoomInfoStore interface {
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, bool, error)
	EventStateSnapshot(ctx context.Context, eventID string) (types.ShortStateHash, bool, error)
	SetEventStateSnapshot(ctx context.Context, eventID string, snapshot types.ShortStateHash) error
}

// Backfiller implements the §4.7 backfill trigger: a client-side timeline
// read reaching an event whose predecessors are missing requests
// /backfill from selected remote servers and stitches the result onto the
// room's history below the existing live events.
type Backfiller struct {
	Store      *eventstore.Store
	Short      *shortid.Catalog
	Compressor *statecompress.Compressor
	Rooms      RoomInfoStore
	Federation Federation
	Keys       KeyVerifier

	// LocalServerName is excluded from every server-selection result: a
	// server never needs to backfill from itself.
	LocalServerName spec.ServerName
	// TrustedServers is consulted last in the §4.7 selection order, after
	// power-level and canonical-alias servers, matching the teacher's
	// PreferServers field.
	TrustedServers []spec.ServerName

	// maxBackfillServers bounds how many candidate servers a single
	// request tries before giving up, matching the teacher's
	// maxBackfillServers constant (named there for the same reason: a
	// low cap risks missing a server that would've worked, a high cap
	// risks spending the whole request budget on dead servers).
	maxBackfillServers int
}

const defaultMaxBackfillServers = 5

// SelectServers implements §4.7's backfill server choice: servers of
// users with an elevated (explicitly granted, above the room's
// users_default) power level, the server of the room's canonical alias,
// then the configured trusted servers — filtered to servers currently
// joined to the room, excluding the local server, deduplicated with
// earlier entries taking priority.
func (b *Backfiller) SelectServers(state stateres.StateMap) []spec.ServerName {
	joined := joinedServers(state)
	seen := map[spec.ServerName]bool{b.LocalServerName: true}
	var out []spec.ServerName
	add := func(s spec.ServerName) {
		if s == "" || seen[s] || !joined[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, server := range elevatedServers(state) {
		add(server)
	}
	if alias := state[types.StateKeyTuple{EventType: types.MRoomCanonicalAlias, StateKey: ""}]; alias != nil {
		if a := gjson.GetBytes(alias.Content, "alias").String(); a != "" {
			if idx := indexOfColon(a); idx >= 0 {
				add(spec.ServerName(a[idx+1:]))
			}
		}
	}
	for _, server := range b.TrustedServers {
		add(server)
	}
	return out
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// joinedServers returns the set of servers with at least one joined
// member in state, per §4.7's "filtered to those currently in the room".
func joinedServers(state stateres.StateMap) map[spec.ServerName]bool {
	out := map[spec.ServerName]bool{}
	for tuple, ev := range state {
		if tuple.EventType != types.MRoomMember {
			continue
		}
		if gjson.GetBytes(ev.Content, "membership").String() != "join" {
			continue
		}
		out[ev.Sender.Domain()] = true
	}
	return out
}

// elevatedServers returns the servers of users with an explicit
// power-level grant above the room's users_default, ordered by level
// descending so the most-trusted servers are tried first.
func elevatedServers(state stateres.StateMap) []spec.ServerName {
	pl := state[types.StateKeyTuple{EventType: types.MRoomPowerLevels, StateKey: ""}]
	if pl == nil {
		return nil
	}
	usersDefault := gjson.GetBytes(pl.Content, "users_default").Int()
	type entry struct {
		server spec.ServerName
		level  int64
	}
	var entries []entry
	gjson.GetBytes(pl.Content, "users").ForEach(func(user, level gjson.Result) bool {
		if level.Int() <= usersDefault {
			return true
		}
		if idx := indexOfColon(user.String()); idx >= 0 {
			entries = append(entries, entry{spec.ServerName(user.String()[idx+1:]), level.Int()})
		}
		return true
	})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].level > entries[j].level })
	out := make([]spec.ServerName, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.server)
	}
	return out
}

// RequestBackfill implements the fetch-and-append half of §4.7's backfill
// trigger: try each selected server in turn for the history preceding
// fromEventIDs, then store and index whatever the first successful
// response returns, oldest-first, with negative (backfill) PduCounts.
func (b *Backfiller) RequestBackfill(ctx context.Context, roomID string, fromEventIDs []string, limit int) error {
	info, ok, err := b.Rooms.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok || info.IsStub {
		return fmt.Errorf("timeline: backfill: room %s is unknown or stub", roomID)
	}

	entries, err := b.Compressor.Resolve(ctx, info.StateSnapshotNID)
	if err != nil {
		return err
	}
	state, err := b.materializeState(ctx, entries)
	if err != nil {
		return err
	}
	servers := b.SelectServers(state)
	cap := b.maxBackfillServers
	if cap == 0 {
		cap = defaultMaxBackfillServers
	}
	if len(servers) > cap {
		servers = servers[:cap]
	}
	if len(servers) == 0 {
		return eventerror.BadServerResponse(fmt.Sprintf("timeline: no candidate servers to backfill room %s from", roomID), nil)
	}

	var fetched []*pdu.PDU
	var lastErr error
	for _, server := range servers {
		fetched, lastErr = b.Federation.Backfill(ctx, server, roomID, limit, fromEventIDs)
		if lastErr == nil && len(fetched) > 0 {
			break
		}
	}
	if len(fetched) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no events returned")
		}
		return eventerror.BadServerResponse(fmt.Sprintf("timeline: backfill room %s", roomID), lastErr)
	}

	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].Depth < fetched[j].Depth })

	mutex := b.Store.InsertMutexForRoom(info.RoomNID)
	mutex.Lock()
	defer mutex.Unlock()

	for _, event := range fetched {
		if err := b.storeBackfilledEvent(ctx, info, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backfiller) storeBackfilledEvent(ctx context.Context, info *types.RoomInfo, event *pdu.PDU) error {
	if _, ok, err := b.Store.EventByID(ctx, event.EventID); err != nil {
		return err
	} else if ok {
		return nil
	}
	if err := b.Keys.VerifyEventSignatures(ctx, event, info.RoomVersion); err != nil {
		logrus.WithField("event_id", event.EventID).WithError(err).Warn("timeline: dropping backfilled event with bad signature")
		return nil
	}
	if ok, err := pdu.VerifyContentHash(event.Raw(), event.HashesSHA256); err != nil {
		return err
	} else if !ok {
		redacted, err := pdu.Redact(event.Raw())
		if err != nil {
			return err
		}
		event.SetRaw(redacted)
	}

	stored, err := b.Store.StorePDU(ctx, event, false, false)
	if err != nil {
		return err
	}
	count, err := b.Store.NextBackfillCount(ctx, info.RoomNID)
	if err != nil {
		return err
	}
	se := &eventstore.StoredEvent{ShortEventID: stored, EventID: event.EventID, RoomID: event.RoomID, Raw: event.Raw()}
	if err := b.Store.AppendToTimeline(ctx, se, types.PduID{Room: info.RoomNID, Count: count}); err != nil {
		return err
	}
	if !event.IsState() {
		return nil
	}
	return b.indexStateSnapshot(ctx, event)
}

// indexStateSnapshot records a backfilled state event's own state-after as
// a single-entry delta against its single prev_event's indexed snapshot,
// when one is known; otherwise it is left unindexed; Stage 4's multi-
// prev-event state-resolution fallback covers the gap if this event is
// later needed as a branch root.
func (b *Backfiller) indexStateSnapshot(ctx context.Context, event *pdu.PDU) error {
	if len(event.PrevEvents) != 1 {
		return nil
	}
	parent, ok, err := b.Rooms.EventStateSnapshot(ctx, event.PrevEvents[0])
	if err != nil || !ok {
		return err
	}
	sk, err := b.Short.GetOrCreateShortStateKey(ctx, event.Type, *event.StateKey)
	if err != nil {
		return err
	}
	sid, err := b.Short.GetOrCreateShortEventID(ctx, event.EventID)
	if err != nil {
		return err
	}
	entry := types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventType: event.Type, StateKey: *event.StateKey},
		ShortStateKey: sk,
		EventID:       sid,
	}
	hash, err := b.Compressor.AppendToState(ctx, parent, entry)
	if err != nil {
		return err
	}
	return b.Rooms.SetEventStateSnapshot(ctx, event.EventID, hash)
}

func (b *Backfiller) materializeState(ctx context.Context, entries map[types.StateKeyTuple]types.StateEntry) (stateres.StateMap, error) {
	out := make(stateres.StateMap, len(entries))
	for tuple, entry := range entries {
		eventID, ok, err := b.Short.EventIDFor(ctx, entry.EventID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		stored, ok, err := b.Store.EventByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ev, err := pdu.ParsePDU(stored.Raw)
		if err != nil {
			return nil, err
		}
		out[tuple] = ev
	}
	return out, nil
}
