// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stateres implements the version-agnostic state-resolution
// algorithm of §4.5: given a set of conflicting state snapshots and their
// auth chains, produce a single merged state. It is grounded on
// gomatrixserverlib's state-resolution v2 (stateResolverV2 in the
// retrieved `stateresolutionv2.go.go`), generalized so the power-event
// tie-break and the auth_check used while applying events are both
// version-parameterized rather than hardcoded, and driven by this
// module's own StateKeyTuple-keyed state maps instead of []Event.
package stateres

import (
	"container/heap"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/roomserver/internal/auth"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/roomversion"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// StateMap is a room state view: one event per (type, state_key).
type StateMap map[types.StateKeyTuple]*pdu.PDU

// CheckerFactory builds an auth.Checker whose FetchState reads from the
// given running partial state, for use while iteratively authing events
// during resolution (§4.5 steps 6 and 8).
type CheckerFactory func(state StateMap) *auth.Checker

// Resolver runs §4.5's algorithm over a set of conflicting state snapshots.
type Resolver struct {
	Features   roomversion.Features
	NewChecker CheckerFactory
}

// New builds a Resolver. newChecker is called once per auth_check in the
// algorithm with the partial state accumulated so far; it must return a
// Checker whose FetchState/CreateEvent reflect that state.
func New(features roomversion.Features, newChecker CheckerFactory) *Resolver {
	return &Resolver{Features: features, NewChecker: newChecker}
}

// Resolve merges states (one snapshot per DAG fork) together with their
// auth chains (every event reachable via auth_events from each fork,
// keyed by event ID) into a single merged state.
func (r *Resolver) Resolve(states []StateMap, authChains []map[string]*pdu.PDU) StateMap {
	unconflicted, conflicted := separate(states)
	authIndex := unionAuthChains(authChains, states)

	full := map[string]*pdu.PDU{}
	for _, list := range conflicted {
		for _, ev := range list {
			full[ev.EventID] = ev
		}
	}
	for id, ev := range authDifference(authChains) {
		full[id] = ev
	}

	run := &resolution{resolved: StateMap{}, authIndex: authIndex}

	unconflictedList := toList(unconflicted)
	run.applyAll(r, topoSort(unconflictedList, authIndex))

	powerEvents, otherEvents := partitionPowerEvents(full, authIndex)
	run.applyAll(r, topoSort(powerEvents, authIndex))

	mainline := run.buildMainline(authIndex)
	run.applyAll(r, mainlineOrder(otherEvents, authIndex, mainline))

	// Reapply the unconflicted set: any of it may have been overwritten
	// while pulling in auth events during the previous two passes.
	run.applyAll(r, topoSort(unconflictedList, authIndex))

	return run.resolved
}

type resolution struct {
	resolved  StateMap
	authIndex map[string]*pdu.PDU
}

func (run *resolution) applyAll(r *Resolver, events []*pdu.PDU) {
	for _, event := range events {
		checker := r.NewChecker(run.resolved)
		ok, err := checker.Check(event)
		if err != nil || !ok {
			continue
		}
		if event.StateKey == nil {
			continue
		}
		run.resolved[types.StateKeyTuple{EventType: event.Type, StateKey: *event.StateKey}] = event
	}
}

func toList(m StateMap) []*pdu.PDU {
	out := make([]*pdu.PDU, 0, len(m))
	for _, ev := range m {
		out = append(out, ev)
	}
	return out
}

// separate implements §4.5 steps 1-2: a tuple is unconflicted only if it
// is present in every input snapshot and every snapshot names the same
// event ID for it; otherwise every distinct event seen for that tuple
// across all snapshots joins the conflicted set.
func separate(states []StateMap) (StateMap, map[types.StateKeyTuple][]*pdu.PDU) {
	n := len(states)
	allTuples := map[types.StateKeyTuple]struct{}{}
	for _, s := range states {
		for t := range s {
			allTuples[t] = struct{}{}
		}
	}

	unconflicted := StateMap{}
	conflicted := map[types.StateKeyTuple][]*pdu.PDU{}
	for t := range allTuples {
		seen := map[string]*pdu.PDU{}
		present := 0
		agreedID := ""
		agree := true
		for _, s := range states {
			ev, ok := s[t]
			if !ok {
				agree = false
				continue
			}
			present++
			seen[ev.EventID] = ev
			if agreedID == "" {
				agreedID = ev.EventID
			} else if ev.EventID != agreedID {
				agree = false
			}
		}
		if agree && present == n {
			unconflicted[t] = seen[agreedID]
			continue
		}
		list := make([]*pdu.PDU, 0, len(seen))
		for _, ev := range seen {
			list = append(list, ev)
		}
		conflicted[t] = list
	}
	return unconflicted, conflicted
}

// authDifference implements §4.5 step 3: events present in the union of
// the auth chains but absent from their intersection.
func authDifference(authChains []map[string]*pdu.PDU) map[string]*pdu.PDU {
	union := map[string]*pdu.PDU{}
	counts := map[string]int{}
	for _, chain := range authChains {
		for id, ev := range chain {
			union[id] = ev
			counts[id]++
		}
	}
	out := map[string]*pdu.PDU{}
	for id, ev := range union {
		if counts[id] != len(authChains) {
			out[id] = ev
		}
	}
	return out
}

func unionAuthChains(authChains []map[string]*pdu.PDU, states []StateMap) map[string]*pdu.PDU {
	out := map[string]*pdu.PDU{}
	for _, chain := range authChains {
		for id, ev := range chain {
			out[id] = ev
		}
	}
	for _, s := range states {
		for _, ev := range s {
			out[ev.EventID] = ev
		}
	}
	return out
}

// isPowerEvent implements §4.5 step 5's power-event predicate: power
// levels, join rules, or a member event recording someone else's
// leave/ban.
func isPowerEvent(ev *pdu.PDU) bool {
	switch ev.Type {
	case types.MRoomPowerLevels, types.MRoomJoinRules:
		return true
	case types.MRoomMember:
		if ev.StateKey == nil {
			return false
		}
		membership := gjson.GetBytes(ev.Content, "membership").String()
		if membership != "leave" && membership != "ban" {
			return false
		}
		return ev.Sender.String() != *ev.StateKey
	}
	return false
}

// partitionPowerEvents implements §4.5 step 5: the direct power events in
// the full conflicted set, expanded to include whatever else in that set
// is transitively required (via auth_events) to auth them.
func partitionPowerEvents(full map[string]*pdu.PDU, authIndex map[string]*pdu.PDU) ([]*pdu.PDU, []*pdu.PDU) {
	power := map[string]*pdu.PDU{}
	for id, ev := range full {
		if isPowerEvent(ev) {
			power[id] = ev
		}
	}

	visited := map[string]bool{}
	var visit func(ev *pdu.PDU)
	visit = func(ev *pdu.PDU) {
		for _, id := range ev.AuthEvents {
			if visited[id] {
				continue
			}
			visited[id] = true
			if cand, ok := full[id]; ok {
				power[id] = cand
				visit(cand)
			} else if cand, ok := authIndex[id]; ok {
				visit(cand)
			}
		}
	}
	for _, ev := range power {
		visit(ev)
	}

	var powerList, otherList []*pdu.PDU
	for id, ev := range full {
		if _, ok := power[id]; ok {
			powerList = append(powerList, ev)
		} else {
			otherList = append(otherList, ev)
		}
	}
	return powerList, otherList
}

// readyHeap pops the latest event first (origin_server_ts descending, then
// event ID descending). topoSort prepends each popped event, so the order
// it returns breaks ties by §4.5 step 6's rule: origin_server_ts
// ascending, then event ID ascending.
type readyHeap []*pdu.PDU

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].OriginServerTS != h[j].OriginServerTS {
		return h[i].OriginServerTS > h[j].OriginServerTS
	}
	return h[i].EventID > h[j].EventID
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*pdu.PDU)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topoSort implements §4.5 step 6's "reverse topological order of the
// auth DAG" via Kahn's algorithm over auth_events edges restricted to
// events within the input set, breaking ties per readyHeap.
func topoSort(events []*pdu.PDU, authIndex map[string]*pdu.PDU) []*pdu.PDU {
	_ = authIndex
	byID := map[string]*pdu.PDU{}
	inDegree := map[string]int{}
	for _, ev := range events {
		byID[ev.EventID] = ev
		if _, ok := inDegree[ev.EventID]; !ok {
			inDegree[ev.EventID] = 0
		}
	}
	// Count in-set edges only: auth events outside this input set are
	// already resolved and don't gate ordering within it.
	for _, ev := range events {
		for _, authID := range ev.AuthEvents {
			if _, ok := byID[authID]; ok {
				inDegree[authID]++
			}
		}
	}

	ready := &readyHeap{}
	heap.Init(ready)
	for id, count := range inDegree {
		if count == 0 {
			heap.Push(ready, byID[id])
			delete(byID, id)
		}
	}

	var graph []*pdu.PDU
	for ready.Len() > 0 {
		event := heap.Pop(ready).(*pdu.PDU)
		graph = append([]*pdu.PDU{event}, graph...)
		for _, authID := range event.AuthEvents {
			if _, tracked := inDegree[authID]; !tracked {
				continue
			}
			inDegree[authID]--
			if inDegree[authID] == 0 {
				if cand, ok := byID[authID]; ok {
					heap.Push(ready, cand)
					delete(byID, authID)
				}
			}
		}
	}
	return graph
}

// buildMainline implements §4.5 step 7's mainline construction: starting
// from the currently resolved power-levels event, walk back through its
// power-levels ancestors (via auth_events) to the room's creation.
func (run *resolution) buildMainline(authIndex map[string]*pdu.PDU) []*pdu.PDU {
	pl, ok := run.resolved[types.StateKeyTuple{EventType: types.MRoomPowerLevels, StateKey: ""}]
	if !ok {
		return nil
	}
	var mainline []*pdu.PDU
	var iter func(ev *pdu.PDU)
	visited := map[string]bool{}
	iter = func(ev *pdu.PDU) {
		if visited[ev.EventID] {
			return
		}
		visited[ev.EventID] = true
		mainline = append([]*pdu.PDU{ev}, mainline...)
		for _, id := range ev.AuthEvents {
			if authEv, ok := authIndex[id]; ok && authEv.Type == types.MRoomPowerLevels {
				iter(authEv)
			}
		}
	}
	iter(pl)
	return mainline
}

func mainlinePosition(ev *pdu.PDU, authIndex map[string]*pdu.PDU, mainline []*pdu.PDU) int {
	inMainline := func(id string) int {
		for pos, m := range mainline {
			if m.EventID == id {
				return pos
			}
		}
		return -1
	}
	visited := map[string]bool{}
	var walk func(ev *pdu.PDU) int
	walk = func(ev *pdu.PDU) int {
		for _, id := range ev.AuthEvents {
			if visited[id] {
				continue
			}
			visited[id] = true
			authEv, ok := authIndex[id]
			if !ok || authEv.Type != types.MRoomPowerLevels {
				continue
			}
			if pos := inMainline(authEv.EventID); pos >= 0 {
				return pos
			}
			if pos := walk(authEv); pos >= 0 {
				return pos
			}
		}
		return -1
	}
	return walk(ev)
}

// mainlineOrder implements §4.5 step 7's ordering of non-power events:
// by (mainline position ascending, origin_server_ts ascending, event ID
// ascending); events with no mainline ancestor sort last.
func mainlineOrder(events []*pdu.PDU, authIndex map[string]*pdu.PDU, mainline []*pdu.PDU) []*pdu.PDU {
	type scored struct {
		pos int
		ev  *pdu.PDU
	}
	out := make([]scored, len(events))
	for i, ev := range events {
		pos := mainlinePosition(ev, authIndex, mainline)
		if pos < 0 {
			pos = len(mainline) + 1
		}
		out[i] = scored{pos: pos, ev: ev}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		if out[i].ev.OriginServerTS != out[j].ev.OriginServerTS {
			return out[i].ev.OriginServerTS < out[j].ev.OriginServerTS
		}
		return out[i].ev.EventID < out[j].ev.EventID
	})
	result := make([]*pdu.PDU, len(out))
	for i, s := range out {
		result[i] = s.ev
	}
	return result
}
