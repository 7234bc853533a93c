// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/internal/eventerror"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateres"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/roomversion"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// gatekeep implements §4.6 Stage 1: the room must either be new (a create
// event) or already known, the origin and the sender's server must both
// be permitted by the room's current server_acl, and the event must fit
// the wire size limit (already enforced by pdu.ParsePDU). Rooms carry no
// disabled flag, so no disabled-room check is made.
// It returns a non-nil *Result only when the event should be rejected
// without proceeding further.
func (in *Inputer) gatekeep(ctx context.Context, origin spec.ServerName, event *pdu.PDU) (*Result, error) {
	info, known, err := in.Rooms.RoomInfo(ctx, event.RoomID)
	if err != nil {
		return nil, err
	}
	if !known {
		if event.Type != types.MRoomCreate {
			return &Result{Rejected: true, Reason: "stage 1: room unknown and event is not m.room.create"}, nil
		}
		return nil, nil
	}
	if info.IsStub {
		return nil, nil
	}

	entries, err := in.Compressor.Resolve(ctx, info.StateSnapshotNID)
	if err != nil {
		return nil, err
	}
	state, err := in.materializeState(ctx, entries)
	if err != nil {
		return nil, err
	}
	acl, err := serverACLFor(func(eventType, stateKey string) (*pdu.PDU, bool, error) {
		ev, ok := state[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
		return ev, ok, nil
	})
	if err != nil {
		return nil, err
	}
	exempt := in.OriginACLExempt != nil && in.OriginACLExempt(origin)
	if !exempt {
		if !acl.Permits(string(origin)) {
			return &Result{Rejected: true, Reason: "stage 1: origin server denied by room server_acl"}, nil
		}
		if !acl.Permits(string(event.Sender.Domain())) {
			return &Result{Rejected: true, Reason: "stage 1: sender's server denied by room server_acl"}, nil
		}
	}
	return nil, nil
}

// materializeState resolves a statecompress snapshot (short-ID bindings)
// into a stateres.StateMap of full PDUs, reading each event back out of the
// event store.
func (in *Inputer) materializeState(ctx context.Context, entries map[types.StateKeyTuple]types.StateEntry) (stateres.StateMap, error) {
	out := make(stateres.StateMap, len(entries))
	for tuple, entry := range entries {
		eventID, ok, err := in.Short.EventIDFor(ctx, entry.EventID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		stored, ok, err := in.Store.EventByID(ctx, eventID)
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

// ensureEvent fetches and validates an event this pipeline has only seen
// referenced by ID (an auth_event or prev_event), recursively resolving its
// own auth_events up to maxAuthChainDepth, and stores it as an outlier.
// This is §4.6 Stage 2 applied to a dependency rather than to the
// top-level event being processed.
func (in *Inputer) ensureEvent(ctx context.Context, origin spec.ServerName, roomVersion, roomID, eventID string, depth int) (*pdu.PDU, error) {
	if stored, ok, err := in.Store.EventByID(ctx, eventID); err != nil {
		return nil, err
	} else if ok {
		return pdu.ParsePDU(stored.Raw)
	}
	if depth >= maxAuthChainDepth {
		return nil, eventerror.BadServerResponse(fmt.Sprintf("input: auth chain for %s exceeds depth limit", eventID), nil)
	}
	event, err := in.Federation.Event(ctx, origin, roomVersion, eventID)
	if err != nil {
		return nil, eventerror.BadServerResponse(fmt.Sprintf("input: fetch %s from %s", eventID, origin), err)
	}
	if err := in.validateFetchedEvent(ctx, origin, roomVersion, event, depth); err != nil {
		return nil, err
	}
	return event, nil
}

// validateFetchedEvent runs §4.6 Stage 2's outlier checks on an event
// fetched as a dependency: signature verification, content-hash
// verification (redacting on mismatch rather than rejecting), recursive
// resolution of its own auth_events, and an auth check against those
// declared auth_events. The event is persisted as an outlier regardless of
// the auth check's outcome, with IsRejected set accordingly, matching
// invariant 6 (rejected events remain visible to the auth-chain walk that
// needed them, but never reach the timeline).
func (in *Inputer) validateFetchedEvent(ctx context.Context, origin spec.ServerName, roomVersion string, event *pdu.PDU, depth int) error {
	if err := in.Keys.VerifyEventSignatures(ctx, event, roomVersion); err != nil {
		return eventerror.Forbidden(fmt.Sprintf("input: signature verification failed for %s: %v", event.EventID, err))
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

	declared := stateres.StateMap{}
	for _, id := range event.AuthEvents {
		ae, err := in.ensureEvent(ctx, origin, roomVersion, event.RoomID, id, depth+1)
		if err != nil {
			return err
		}
		if ae.StateKey != nil {
			declared[types.StateKeyTuple{EventType: ae.Type, StateKey: *ae.StateKey}] = ae
		}
	}
	checker := in.checkerFor(event.RoomID, declared)
	ok, err := checker.Check(event)
	if err != nil {
		return err
	}
	_, err = in.Store.StorePDU(ctx, event, true, !ok)
	return err
}

// ensurePrevEvents implements §4.6 Stage 3: every prev_event must be known
// locally, backfilling the gap via /get_missing_events (bounded by the
// bad-event rate limiter) when it is not, then recursively processing the
// fetched events oldest-first.
func (in *Inputer) ensurePrevEvents(ctx context.Context, origin spec.ServerName, event *pdu.PDU) error {
	var missing []string
	for _, id := range event.PrevEvents {
		if _, ok, err := in.Store.EventByID(ctx, id); err != nil {
			return err
		} else if !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if in.Limiter != nil {
		if ok, _ := in.Limiter.Allow(origin); !ok {
			return eventerror.LimitExceeded(fmt.Sprintf("input: %s is backing off after bad events", origin), 0)
		}
	}
	fetched, err := in.Federation.MissingEvents(ctx, origin, event.RoomID, missing, event.PrevEvents, 20)
	if err != nil {
		if in.Limiter != nil {
			in.Limiter.Penalize(origin)
		}
		return eventerror.BadServerResponse(fmt.Sprintf("input: get_missing_events from %s", origin), err)
	}
	ordered := topoSortByDepth(fetched)
	for _, ancestor := range ordered {
		if _, err := in.ProcessInboundEvent(ctx, origin, ancestor.Raw()); err != nil {
			if in.Limiter != nil {
				in.Limiter.Penalize(origin)
			}
			return err
		}
	}
	return nil
}

// topoSortByDepth orders fetched backfill events by ascending Depth, the
// cheap approximation §4.6 Stage 3 calls for ("toposort") before recursive
// processing — events must be processed in an order where each one's
// prev_events have already been handled, and depth is monotonic along any
// DAG path.
func topoSortByDepth(events []*pdu.PDU) []*pdu.PDU {
	out := append([]*pdu.PDU(nil), events...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Depth > out[j].Depth; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// stateBefore implements §4.6 Stage 4: the state before event, using the
// single-prev-event fast path when possible, falling back to a state-res
// merge across all prev_events' recorded state-after snapshots, and to
// /state_ids for any prev_event whose snapshot isn't indexed locally.
func (in *Inputer) stateBefore(ctx context.Context, origin spec.ServerName, event *pdu.PDU) (stateres.StateMap, error) {
	if len(event.PrevEvents) == 0 {
		return stateres.StateMap{}, nil
	}
	if len(event.PrevEvents) == 1 {
		if hash, ok, err := in.Rooms.EventStateSnapshot(ctx, event.PrevEvents[0]); err != nil {
			return nil, err
		} else if ok {
			entries, err := in.Compressor.Resolve(ctx, hash)
			if err != nil {
				return nil, err
			}
			return in.materializeState(ctx, entries)
		}
	}

	var states []stateres.StateMap
	var authChains []map[string]*pdu.PDU
	for _, id := range event.PrevEvents {
		sm, chain, err := in.branchState(ctx, origin, event.RoomID, id)
		if err != nil {
			return nil, err
		}
		states = append(states, sm)
		authChains = append(authChains, chain)
	}
	features := roomFeatures(states)
	resolver := stateres.New(features, in.checkerFactory(event.RoomID))
	return resolver.Resolve(states, authChains), nil
}

// branchState returns the state-after snapshot for a prev_event, along
// with the full auth chain of that snapshot's events, falling back to
// /state_ids when no local snapshot is indexed for it (e.g. it was just
// backfilled as part of a different branch).
func (in *Inputer) branchState(ctx context.Context, origin spec.ServerName, roomID, eventID string) (stateres.StateMap, map[string]*pdu.PDU, error) {
	if hash, ok, err := in.Rooms.EventStateSnapshot(ctx, eventID); err != nil {
		return nil, nil, err
	} else if ok {
		entries, err := in.Compressor.Resolve(ctx, hash)
		if err != nil {
			return nil, nil, err
		}
		sm, err := in.materializeState(ctx, entries)
		if err != nil {
			return nil, nil, err
		}
		chain, err := in.authChain(ctx, sm)
		return sm, chain, err
	}

	info, _, err := in.Rooms.RoomInfo(ctx, roomID)
	roomVersion := "10"
	if err == nil && info != nil {
		roomVersion = info.RoomVersion
	}
	stateIDs, authIDs, err := in.Federation.StateIDs(ctx, origin, roomID, eventID)
	if err != nil {
		return nil, nil, eventerror.BadServerResponse(fmt.Sprintf("input: state_ids for %s", eventID), err)
	}
	sm := stateres.StateMap{}
	for _, id := range stateIDs {
		ev, err := in.ensureEvent(ctx, origin, roomVersion, roomID, id, 0)
		if err != nil {
			return nil, nil, err
		}
		if ev.StateKey != nil {
			sm[types.StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey}] = ev
		}
	}
	chain := map[string]*pdu.PDU{}
	for _, id := range authIDs {
		ev, err := in.ensureEvent(ctx, origin, roomVersion, roomID, id, 0)
		if err != nil {
			return nil, nil, err
		}
		chain[ev.EventID] = ev
	}
	return sm, chain, nil
}

// authChain walks the auth_events of every event in state and returns the
// transitive closure, fetching any not already stored locally.
func (in *Inputer) authChain(ctx context.Context, state stateres.StateMap) (map[string]*pdu.PDU, error) {
	out := map[string]*pdu.PDU{}
	var walk func(ev *pdu.PDU) error
	walk = func(ev *pdu.PDU) error {
		for _, id := range ev.AuthEvents {
			if _, ok := out[id]; ok {
				continue
			}
			stored, ok, err := in.Store.EventByID(ctx, id)
			if err != nil || !ok {
				continue
			}
			ae, err := pdu.ParsePDU(stored.Raw)
			if err != nil {
				return err
			}
			out[id] = ae
			if err := walk(ae); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ev := range state {
		if err := walk(ev); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// stateFromAuthEvents builds the state view implied strictly by an event's
// own declared auth_events, for §4.6 Stage 6.
func (in *Inputer) stateFromAuthEvents(ctx context.Context, event *pdu.PDU) (stateres.StateMap, error) {
	out := stateres.StateMap{}
	for _, id := range event.AuthEvents {
		stored, ok, err := in.Store.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ae, err := pdu.ParsePDU(stored.Raw)
		if err != nil {
			return nil, err
		}
		if ae.StateKey != nil {
			out[types.StateKeyTuple{EventType: ae.Type, StateKey: *ae.StateKey}] = ae
		}
	}
	return out, nil
}

// checkSoftFail implements §4.6 Stage 7: re-check the event against the
// room's live current state merged with state-before-event, apply the
// redaction-specific soft-fail rule, and consult the policy server.
func (in *Inputer) checkSoftFail(ctx context.Context, event *pdu.PDU, stateBefore stateres.StateMap) (bool, string, error) {
	info, known, err := in.Rooms.RoomInfo(ctx, event.RoomID)
	if err != nil {
		return false, "", err
	}
	if known && !info.IsStub {
		entries, err := in.Compressor.Resolve(ctx, info.StateSnapshotNID)
		if err != nil {
			return false, "", err
		}
		current, err := in.materializeState(ctx, entries)
		if err != nil {
			return false, "", err
		}
		currentChain, err := in.authChain(ctx, current)
		if err != nil {
			return false, "", err
		}
		beforeChain, err := in.authChain(ctx, stateBefore)
		if err != nil {
			return false, "", err
		}
		features := roomFeatures([]stateres.StateMap{current, stateBefore})
		resolver := stateres.New(features, in.checkerFactory(event.RoomID))
		merged := resolver.Resolve([]stateres.StateMap{current, stateBefore}, []map[string]*pdu.PDU{currentChain, beforeChain})
		checker := in.checkerFor(event.RoomID, merged)
		ok, err := checker.Check(event)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return true, "stage 7: rejected against current resolved room state", nil
		}
	}

	if event.Type == types.MRoomRedaction {
		if soft, reason := redactionSoftFail(event, stateBefore); soft {
			stored, ok, err := in.Store.EventByID(ctx, event.Redacts)
			if err != nil {
				return false, "", err
			}
			selfRedaction := false
			if ok {
				if target, err := pdu.ParsePDU(stored.Raw); err == nil {
					selfRedaction = target.Sender.String() == event.Sender.String()
				}
			}
			if !selfRedaction {
				return true, reason, nil
			}
		}
	}

	if in.Policy != nil {
		spam, ok, err := in.Policy.Recommendation(ctx, event.RoomID, event)
		if err != nil {
			return false, "", err
		}
		if ok && spam {
			return true, "stage 7: policy server recommended spam", nil
		}
	}
	return false, "", nil
}

// redactionSoftFail implements the power-level half of the
// redaction-specific clause of §4.6 Stage 7: it reports a soft-fail unless
// the sender has at least the room's configured redact power level.
// checkSoftFail then exempts a self-redaction (the sender also sent the
// target) when the target is stored locally; a redaction of an unknown
// target by a sender below the redact level soft-fails.
func redactionSoftFail(event *pdu.PDU, state stateres.StateMap) (bool, string) {
	plEvent := state[types.StateKeyTuple{EventType: types.MRoomPowerLevels, StateKey: ""}]
	redactLevel := int64(50)
	if plEvent != nil {
		if v := gjson.GetBytes(plEvent.Content, "redact"); v.Exists() {
			redactLevel = v.Int()
		}
	}
	senderLevel := int64(0)
	if plEvent != nil {
		senderLevel = gjson.GetBytes(plEvent.Content, "users."+jsonPath(event.Sender.String())).Int()
	}
	if senderLevel >= redactLevel {
		return false, ""
	}
	return true, "stage 7: redaction sender lacks the room's redact power level"
}

func jsonPath(userID string) string {
	// gjson treats '.' as a path separator; Matrix user IDs always contain
	// one (the server name), so it must be escaped for a dotted lookup.
	out := make([]byte, 0, len(userID)+4)
	for i := 0; i < len(userID); i++ {
		switch userID[i] {
		case '.', '*', '?':
			out = append(out, '\\', userID[i])
		default:
			out = append(out, userID[i])
		}
	}
	return string(out)
}

// roomFeatures finds the create event among a set of candidate states and
// returns its room version's feature table, defaulting to version 10 if
// none is found (e.g. every candidate is empty).
func roomFeatures(states []stateres.StateMap) roomversion.Features {
	for _, s := range states {
		if create, ok := s[types.StateKeyTuple{EventType: types.MRoomCreate, StateKey: ""}]; ok {
			if f, err := roomversion.Get(pduRoomVersion(create)); err == nil {
				return f
			}
		}
	}
	f, _ := roomversion.Get("10")
	return f
}
