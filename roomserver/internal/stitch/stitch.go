// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stitch implements §4.9's client-facing linear-order stitcher: it
// maintains, per (user, room), an ordered list of items each of which is
// either a known Event or a Gap standing in for one or more events a known
// event references but that aren't locally present yet. A Batch of newly
// received events is woven into that order, filling gaps where the batch
// supplies their missing contents and opening new gaps where an event's
// own prev_events aren't yet known.
//
// This is distinct from roomserver/internal/input's Stage 8 timeline
// stitch, which only appends a single accepted event to the room's own
// forward-extremity-tracked DAG; this package produces the client-visible
// per-user ordering, which can lag behind the DAG (gaps) or interleave
// backfilled history.
package stitch

import (
	"sort"

	"github.com/google/uuid"
)

// Batch is an ordered map event_id -> prev_event_ids, per §4.9.
type Batch struct {
	order []string
	prev  map[string][]string
}

// NewBatch builds a Batch from an ordered list of (eventID, prevEventIDs)
// pairs, preserving insertion order as required by the "received order"
// tie-break of the DAG-then-received comparator.
func NewBatch(entries ...BatchEntry) Batch {
	b := Batch{prev: make(map[string][]string, len(entries))}
	for _, e := range entries {
		if _, ok := b.prev[e.EventID]; ok {
			continue
		}
		b.order = append(b.order, e.EventID)
		b.prev[e.EventID] = e.PrevEventIDs
	}
	return b
}

// BatchEntry is one event's contribution to a Batch.
type BatchEntry struct {
	EventID      string
	PrevEventIDs []string
}

// Events returns the batch's event IDs in insertion order.
func (b Batch) Events() []string { return append([]string(nil), b.order...) }

func (b Batch) has(eventID string) bool {
	_, ok := b.prev[eventID]
	return ok
}

// GapKey identifies a Gap within an ordered list; synthesized with uuid
// when a new gap is opened, matching the teacher's use of
// github.com/google/uuid for internal watcher/gap key generation.
type GapKey string

func newGapKey() GapKey { return GapKey(uuid.NewString()) }

// Gap represents one or more events referenced by some known event but not
// yet locally present.
type Gap struct {
	Key    GapKey
	Events map[string]bool
}

// Item is either an Event or a Gap within the per-(user,room) order.
type Item struct {
	EventID string // set iff this item is an event
	Gap     *Gap   // set iff this item is a gap
}

func eventItem(id string) Item { return Item{EventID: id} }
func gapItem(g *Gap) Item      { return Item{Gap: g} }

// GapUpdate describes how one existing gap changed as a result of
// stitching a batch: its remaining contents (nil if the gap was entirely
// filled and removed) and the items inserted in its place.
type GapUpdate struct {
	Key           GapKey
	NewContents   []string // nil if the gap is now empty and was removed
	InsertedItems []Item
}

// OrderUpdates is the result of Stitch: how the order changed.
type OrderUpdates struct {
	GapUpdates        []GapUpdate
	NewItems          []Item
	EventsAddedToGaps map[GapKey]map[string]bool
}

// Backend answers whether an event the stitcher doesn't have in the
// current batch is nonetheless already known locally (e.g. an earlier
// batch already delivered it), for the missing-prev-event gap-insertion
// rule.
type Backend interface {
	Present(eventID string) bool
}

// Stitch implements §4.9's stitch(batch) -> OrderUpdates algorithm.
// existingGaps is the current set of gaps in the per-(user,room) order
// that might reference events in batch; Stitch does not mutate it.
func Stitch(batch Batch, existingGaps []*Gap, backend Backend) OrderUpdates {
	predecessors := predecessorSets(batch)
	insertionIndex := make(map[string]int, len(batch.order))
	for i, id := range batch.order {
		insertionIndex[id] = i
	}
	less := lessFunc(predecessors, insertionIndex)

	remaining := make(map[string]bool, len(batch.order))
	for _, id := range batch.order {
		remaining[id] = true
	}

	result := OrderUpdates{EventsAddedToGaps: map[GapKey]map[string]bool{}}

	for _, gap := range existingGaps {
		matched := intersects(gap.Events, batch)
		if !matched {
			continue
		}
		eventsForGap := map[string]bool{}
		for id := range remaining {
			if gap.Events[id] {
				eventsForGap[id] = true
				for p := range predecessors[id] {
					eventsForGap[p] = true
				}
			}
		}
		filled := map[string]bool{}
		var ordered []string
		for id := range eventsForGap {
			if !remaining[id] {
				continue // a predecessor not itself in this batch's remaining pool
			}
			ordered = append(ordered, id)
			delete(remaining, id)
			if gap.Events[id] {
				filled[id] = true
			}
		}
		sort.SliceStable(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })

		items := insertWithGaps(ordered, batch, backend)

		newContents := setDifference(gap.Events, filled)
		var newContentsSlice []string
		if len(newContents) > 0 {
			for id := range newContents {
				newContentsSlice = append(newContentsSlice, id)
			}
		}
		result.GapUpdates = append(result.GapUpdates, GapUpdate{
			Key:           gap.Key,
			NewContents:   newContentsSlice,
			InsertedItems: items,
		})
		if len(filled) > 0 {
			result.EventsAddedToGaps[gap.Key] = filled
		}
	}

	var tail []string
	for _, id := range batch.order {
		if remaining[id] {
			tail = append(tail, id)
		}
	}
	sort.SliceStable(tail, func(i, j int) bool { return less(tail[i], tail[j]) })
	result.NewItems = insertWithGaps(tail, batch, backend)

	return result
}

// insertWithGaps emits one Event item per ID in order, prepending a fresh
// Gap immediately before any event whose prev_events include an ID that is
// neither in the batch nor already present in the backend.
func insertWithGaps(ordered []string, batch Batch, backend Backend) []Item {
	items := make([]Item, 0, len(ordered))
	for _, id := range ordered {
		var missing map[string]bool
		for _, p := range batch.prev[id] {
			if batch.has(p) {
				continue
			}
			if backend != nil && backend.Present(p) {
				continue
			}
			if missing == nil {
				missing = map[string]bool{}
			}
			missing[p] = true
		}
		if missing != nil {
			items = append(items, gapItem(&Gap{Key: newGapKey(), Events: missing}))
		}
		items = append(items, eventItem(id))
	}
	return items
}

// predecessorSets computes, for every event in the batch, its transitive
// closure over prev_events restricted to events also in the batch.
func predecessorSets(batch Batch) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(batch.order))
	var resolve func(id string) map[string]bool
	resolving := map[string]bool{}
	resolve = func(id string) map[string]bool {
		if set, ok := out[id]; ok {
			return set
		}
		set := map[string]bool{}
		out[id] = set // break cycles defensively; a well-formed DAG never has one
		if resolving[id] {
			return set
		}
		resolving[id] = true
		for _, p := range batch.prev[id] {
			if !batch.has(p) {
				continue
			}
			set[p] = true
			for gp := range resolve(p) {
				set[gp] = true
			}
		}
		resolving[id] = false
		return set
	}
	for _, id := range batch.order {
		resolve(id)
	}
	return out
}

// lessFunc builds the §4.9 DAG-then-received comparator: a < b if a is in
// b's predecessor set; else b < a if b is in a's predecessor set; else
// fall back to batch insertion order.
func lessFunc(predecessors map[string]map[string]bool, insertionIndex map[string]int) func(a, b string) bool {
	return func(a, b string) bool {
		if predecessors[b][a] {
			return true
		}
		if predecessors[a][b] {
			return false
		}
		return insertionIndex[a] < insertionIndex[b]
	}
}

func intersects(gapEvents map[string]bool, batch Batch) bool {
	for id := range gapEvents {
		if batch.has(id) {
			return true
		}
	}
	return false
}

func setDifference(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for id := range a {
		if !b[id] {
			out[id] = true
		}
	}
	return out
}
