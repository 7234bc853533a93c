// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements the incoming PDU handling pipeline of §4.6:
// the nine-stage gate a PDU passes through between "received over
// federation" and "stitched onto the timeline", from fast-path dedupe
// through soft-fail. It is grounded on the teacher's input_events.go
// (r.FSAPI / r.KeyRing / r.Queryer dependency-injection style), adapted
// to this module's own state machinery (eventstore, shortid,
// statecompress, stateres, auth) in place of the teacher's SQL-backed
// roomserver/state.
package input

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// Federation is the subset of federation client behaviour the pipeline
// needs to resolve an event's dependencies: missing auth chains, missing
// prev-events, and state at an unknown point in the DAG (§4.6 Stages 2-4).
// Grounded on the teacher's FSAPI field (GetEventAuth, LookupMissingEvents,
// LookupState).
type Federation interface {
	// EventAuth fetches eventID's declared auth chain from origin.
	EventAuth(ctx context.Context, origin spec.ServerName, roomVersion string, roomID, eventID string) ([]*pdu.PDU, error)
	// MissingEvents fetches the events between earliestEvents and
	// latestEvents via /get_missing_events (§4.6 Stage 3).
	MissingEvents(ctx context.Context, origin spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int) ([]*pdu.PDU, error)
	// StateIDs fetches the state-event-ID list (and auth chain IDs) at
	// eventID via /state_ids (§4.6 Stage 4's fallback path).
	StateIDs(ctx context.Context, origin spec.ServerName, roomID, eventID string) (stateEventIDs, authEventIDs []string, err error)
	// Event fetches a single PDU by ID from origin, for filling in gaps
	// discovered while walking /state_ids or /get_missing_events results.
	Event(ctx context.Context, origin spec.ServerName, roomVersion string, eventID string) (*pdu.PDU, error)
}

// KeyVerifier checks a PDU's signatures against the origin server's
// published keys (§1 non-goal: this package owns the auth/state-res
// decision, not Ed25519 verification itself, matching the teacher's
// r.KeyRing indirection via gomatrixserverlib.KeyRing).
type KeyVerifier interface {
	VerifyEventSignatures(ctx context.Context, event *pdu.PDU, roomVersion string) error
}

// BadEventLimiter implements §5's per-origin exponential backoff for
// events from servers that keep sending bad prev_events/state, consulted
// before Stage 3's backfill fan-out.
type BadEventLimiter interface {
	// Allow reports whether origin may be asked for more missing events
	// right now; retryAfter is true when ok is false, marking the refusal
	// as a temporary backoff. It does not say how long the backoff lasts.
	Allow(origin spec.ServerName) (ok bool, retryAfter bool)
	// Penalize records that origin supplied a bad/missing event,
	// lengthening its next backoff.
	Penalize(origin spec.ServerName)
}

// PolicyClient is the policy-server/antispam gateway of §4.10, consulted
// during Stage 7's soft-fail decision for a spam recommendation on newly
// accepted events.
type PolicyClient interface {
	// Recommendation asks the configured policy server (if any) for a
	// spam-check verdict on event. ok=false means "no policy server is
	// configured for this room" (Stage 7 treats that as pass-through).
	Recommendation(ctx context.Context, roomID string, event *pdu.PDU) (spam bool, ok bool, err error)
}

// RoomInfoStore is the minimal room bookkeeping (§4.1's RoomInfo record)
// the pipeline reads and updates as it processes events for a room.
type RoomInfoStore interface {
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, bool, error)
	EnsureRoom(ctx context.Context, roomID, roomVersion string) (*types.RoomInfo, error)
	SetStateSnapshot(ctx context.Context, roomID string, snapshot types.ShortStateHash) error
	SetLatestEvents(ctx context.Context, roomID string, eventIDs []string) error
	LatestEvents(ctx context.Context, roomID string) ([]string, error)

	// EventStateSnapshot and SetEventStateSnapshot index the state-after
	// snapshot for a specific event, not just the room's current state —
	// needed so Stage 4's single-prev-event fast path can look up the
	// state after an arbitrary ancestor, including ones backfilled out of
	// line with the room's live forward extremities.
	EventStateSnapshot(ctx context.Context, eventID string) (types.ShortStateHash, bool, error)
	SetEventStateSnapshot(ctx context.Context, eventID string, snapshot types.ShortStateHash) error

	// SetPartialState, ClearPartialState and AllPartialStateRooms support
	// the MSC3706 faster-joins background resync of
	// roomserver/internal/partialstate; most pipeline code never touches
	// them, but they live on the same record as the rest of RoomInfo.
	SetPartialState(ctx context.Context, roomID string, servers []string) error
	ClearPartialState(ctx context.Context, roomID string) error
	AllPartialStateRooms(ctx context.Context) ([]string, error)
}
