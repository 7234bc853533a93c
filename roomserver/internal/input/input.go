// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/internal/eventerror"
	"github.com/matrix-org/dendrite-core/roomserver/internal/auth"
	"github.com/matrix-org/dendrite-core/roomserver/internal/eventstore"
	"github.com/matrix-org/dendrite-core/roomserver/internal/redactionqueue"
	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateres"
	"github.com/matrix-org/dendrite-core/roomserver/internal/statecompress"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/roomversion"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// MaximumProcessingTime bounds a single incoming-event call, matching the
// teacher's input_events.go constant of the same name and purpose.
const MaximumProcessingTime = time.Minute * 2

// maxAuthChainDepth bounds the recursive auth_events resolution of §4.6
// Stage 2 so a malicious or buggy peer can't force unbounded recursion.
const maxAuthChainDepth = 50

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dendrite",
		Subsystem: "roomserver",
		Name:      "process_room_event_duration_seconds",
		Help:      "How long it takes the roomserver to process an incoming event",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

// Result reports the outcome of processing a single incoming PDU, per the
// stages described in §4.6.
type Result struct {
	Accepted   bool // false if rejected or soft-failed
	SoftFailed bool
	Rejected   bool
	Duplicate  bool // Stage 0 fast-path dedupe
	Reason     string
}

// Inputer runs the incoming PDU handling pipeline of §4.6. It holds no
// state of its own beyond its dependencies, mirroring the teacher's
// Inputer struct, which is constructed once per roomserver and shared
// across all incoming event processing.
type Inputer struct {
	Store      *eventstore.Store
	Short      *shortid.Catalog
	Compressor *statecompress.Compressor
	Rooms      RoomInfoStore

	Federation Federation
	Keys       KeyVerifier
	Limiter    BadEventLimiter
	Policy     PolicyClient

	// Redactions resolves §4.8's deferred redaction case: a redaction whose
	// target isn't locally known yet, or a target that arrives after a
	// redaction naming it was already processed. Nil disables the feature
	// (every redaction is then decided solely by Stage 7's
	// redactionSoftFail, with no queueing).
	Redactions *redactionqueue.Queue

	// OriginACLExempt is consulted for servers (e.g. this homeserver's own
	// server name) that should never be rejected by a room's server_acl.
	OriginACLExempt func(spec.ServerName) bool
}

// ProcessInboundEvent runs the full §4.6 pipeline for a single PDU received
// over federation from origin, returning once the event has been accepted,
// rejected, or soft-failed.
func (in *Inputer) ProcessInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, MaximumProcessingTime)
	defer cancel()

	timer := prometheus.NewTimer(processRoomEventDuration.With(prometheus.Labels{"kind": "inbound"}))
	defer timer.ObserveDuration()

	event, err := pdu.ParsePDU(raw)
	if err != nil {
		return nil, eventerror.Forbidden(fmt.Sprintf("input: malformed pdu: %v", err))
	}
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"room_id":  event.RoomID,
		"type":     event.Type,
		"origin":   origin,
	})

	// Stage 0: fast-path dedupe.
	if _, ok, err := in.Store.EventByID(ctx, event.EventID); err != nil {
		return nil, err
	} else if ok {
		return &Result{Duplicate: true}, nil
	}

	// Stage 1: gatekeeping.
	if res, err := in.gatekeep(ctx, origin, event); err != nil || res != nil {
		return res, err
	}

	// Stage 2: basic validation (signature, content hash) plus ensuring
	// every declared auth_event is known, fetching and validating any that
	// are not as outliers (§4.6 Stage 2). The top-level event itself is
	// not an outlier — it's the event this call was asked to process — but
	// its auth chain may reach back through events we've never seen.
	roomVersion := in.roomVersionHint(ctx, event)
	if err := in.Keys.VerifyEventSignatures(ctx, event, roomVersion); err != nil {
		return nil, eventerror.Forbidden(fmt.Sprintf("input: signature verification failed for %s: %v", event.EventID, err))
	}
	if ok, err := pdu.VerifyContentHash(event.Raw(), event.HashesSHA256); err != nil {
		return nil, err
	} else if !ok {
		redacted, err := pdu.Redact(event.Raw())
		if err != nil {
			return nil, err
		}
		event.SetRaw(redacted)
	}
	for _, id := range event.AuthEvents {
		if _, err := in.ensureEvent(ctx, origin, roomVersion, event.RoomID, id, 0); err != nil {
			return nil, err
		}
	}

	// Stage 3: ensure every prev_event is known, backfilling via
	// /get_missing_events when it is not.
	if err := in.ensurePrevEvents(ctx, origin, event); err != nil {
		return nil, err
	}

	// Stage 4: compute the state before event.
	stateBefore, err := in.stateBefore(ctx, origin, event)
	if err != nil {
		return nil, err
	}

	// Stage 5: auth against state-at-event. Failure here is a hard reject,
	// not a soft-fail (§4.6).
	checker := in.checkerFor(event.RoomID, stateBefore)
	ok, err := checker.Check(event)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := in.Store.StorePDU(ctx, event, false, true); err != nil {
			return nil, err
		}
		logger.Debug("rejected: failed auth against state before event")
		return &Result{Rejected: true, Reason: "stage 5: auth against state-at-event failed"}, nil
	}

	// Stage 6: auth against the event's own declared auth_events. Failure
	// here is also a hard reject.
	declared, err := in.stateFromAuthEvents(ctx, event)
	if err != nil {
		return nil, err
	}
	declaredChecker := in.checkerFor(event.RoomID, declared)
	ok, err = declaredChecker.Check(event)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := in.Store.StorePDU(ctx, event, false, true); err != nil {
			return nil, err
		}
		return &Result{Rejected: true, Reason: "stage 6: auth against declared auth_events failed"}, nil
	}

	// Stage 7: soft-fail decision.
	softFailed, reason, err := in.checkSoftFail(ctx, event, stateBefore)
	if err != nil {
		return nil, err
	}

	if _, err := in.Store.StorePDU(ctx, event, false, false); err != nil {
		return nil, err
	}
	if softFailed {
		if err := in.Store.MarkSoftFailed(ctx, event.EventID); err != nil {
			return nil, err
		}
		logger.WithField("reason", reason).Debug("soft-failed")
		return &Result{SoftFailed: true, Reason: reason}, nil
	}

	// Stage 8: stitch onto the timeline and advance current state.
	if err := in.stitchAndAdvance(ctx, event, stateBefore); err != nil {
		return nil, err
	}

	if in.Redactions != nil {
		if err := in.resolveRedactions(ctx, event); err != nil {
			return nil, err
		}
	}

	return &Result{Accepted: true}, nil
}

// checkerFor builds an auth.Checker against the given state snapshot,
// resolving the room's create event and feature table from it. Mirrors the
// CheckerFactory pattern used by stateres.Resolver so both the pipeline and
// state resolution build checkers the same way.
func (in *Inputer) checkerFor(roomID string, state stateres.StateMap) *auth.Checker {
	create := state[types.StateKeyTuple{EventType: types.MRoomCreate, StateKey: ""}]
	var features roomversion.Features
	if create != nil {
		version := "1"
		if v := pduRoomVersion(create); v != "" {
			version = v
		}
		if f, err := roomversion.Get(version); err == nil {
			features = f
		}
	}
	return &auth.Checker{
		Features:    features,
		CreateEvent: create,
		FetchState: func(eventType, stateKey string) (*pdu.PDU, bool, error) {
			ev, ok := state[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
			return ev, ok, nil
		},
		FetchEvent: func(eventID string) (*pdu.PDU, bool, error) {
			stored, ok, err := in.Store.EventByID(context.Background(), eventID)
			if err != nil || !ok {
				return nil, ok, err
			}
			ev, err := pdu.ParsePDU(stored.Raw)
			return ev, err == nil, err
		},
	}
}

// checkerFactory adapts checkerFor into a stateres.CheckerFactory bound to
// roomID, for handing to a stateres.Resolver doing state resolution over
// several candidate branches.
func (in *Inputer) checkerFactory(roomID string) stateres.CheckerFactory {
	return func(state stateres.StateMap) *auth.Checker {
		return in.checkerFor(roomID, state)
	}
}

func pduRoomVersion(create *pdu.PDU) string {
	return gjson.GetBytes(create.Content, "room_version").String()
}

// roomVersionHint returns the best available room version for event before
// its state-at-event has been computed: the room's recorded version if the
// room is already known, or the event's own content.room_version if it is
// itself the create event. Falls back to "10" so signature verification
// still has a version to key off while the room is still a stub.
func (in *Inputer) roomVersionHint(ctx context.Context, event *pdu.PDU) string {
	if info, ok, err := in.Rooms.RoomInfo(ctx, event.RoomID); err == nil && ok && !info.IsStub {
		return info.RoomVersion
	}
	if event.Type == types.MRoomCreate {
		if v := pduRoomVersion(event); v != "" {
			return v
		}
	}
	return "10"
}
