// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package kv defines the ordered key-value store abstraction the core is
// built on (§6.5): the persisted layout is a set of logical maps with
// atomic column-family writes. This package treats the backend as opaque,
// per §1's non-goals ("any particular on-disk storage format"). The only
// backend in this repository is the in-memory Memory store, used by its
// tests and its reference deployment.
package kv

import (
	"bytes"
	"context"
	"sort"
)

// ColumnFamily names one of the logical maps enumerated in §6.5.
type ColumnFamily string

const (
	CFEventJSON           ColumnFamily = "event_id_to_pdu_json"
	CFEventIDToPduID       ColumnFamily = "event_id_to_pdu_id"
	CFShortEventID         ColumnFamily = "short_event_id"
	CFShortStateKey        ColumnFamily = "short_state_key"
	CFShortRoomID          ColumnFamily = "short_room_id"
	CFPduIDToJSON          ColumnFamily = "pdu_id_to_pdu_json"
	CFRoomExtremities      ColumnFamily = "room_id_to_extremities"
	CFRoomCurrentState     ColumnFamily = "room_id_to_current_state_hash"
	CFStateSnapshot        ColumnFamily = "state_hash_to_delta"
	CFReferencedEvents     ColumnFamily = "referenced_events"
	CFSoftFailed           ColumnFamily = "soft_failed"
	CFRelations            ColumnFamily = "relations"
	CFSyncTokenState       ColumnFamily = "sync_token_to_state_hash"
	CFEventStateSnapshot   ColumnFamily = "event_id_to_state_hash"
	CFTxnDedupe            ColumnFamily = "txn_dedupe"
	CFClientTxnDedupe      ColumnFamily = "client_txn_dedupe"
	CFCounters             ColumnFamily = "counters"
	CFPendingRedactions    ColumnFamily = "pending_redactions"
)

// Store is the ordered, transactional key-value backend every storage-layer
// package in this module is written against.
type Store interface {
	// Get returns the value for key in the given column family, and
	// whether it existed.
	Get(ctx context.Context, cf ColumnFamily, key []byte) ([]byte, bool, error)
	// Put writes key/value atomically within the current transaction (or
	// as its own atomic write, outside one).
	Put(ctx context.Context, cf ColumnFamily, key, value []byte) error
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, cf ColumnFamily, key []byte) error
	// Iterate calls fn for every key in [start, end) of the column family,
	// in ascending key order, stopping early if fn returns false.
	Iterate(ctx context.Context, cf ColumnFamily, start, end []byte, fn func(key, value []byte) (more bool, err error)) error
	// WithTxn runs fn inside an atomic, isolated transaction across
	// multiple column families. Nested WithTxn calls reuse the outer
	// transaction (matching the teacher's sqlutil.Writer.Do convention of
	// a single logical writer per logical unit of work).
	WithTxn(ctx context.Context, fn func(ctx context.Context) error) error
}

// NotFoundErr is returned by Store implementations in place of a bare
// "not found" boolean where an error return is more idiomatic for the
// caller (kept separate from internal/eventerror so this package has no
// upward dependency on the rest of the core).
type NotFoundErr struct {
	CF  ColumnFamily
	Key []byte
}

func (e NotFoundErr) Error() string {
	return "kv: key not found in " + string(e.CF)
}

// BytesBetween reports whether key is within [start, end), treating a nil
// end as unbounded. Backends that don't support native range scans can use
// this to filter a full scan.
func BytesBetween(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// SortKeys returns a copy of keys in ascending byte order.
func SortKeys(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}
