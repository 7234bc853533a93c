// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package redactionqueue implements §4.8's user_can_redact decision and the
// deferred-redaction job it falls back to when a redaction's target event
// isn't locally known yet. Grounded on the teacher's
// userapi/storage/*/redaction_jobs_table.go and userapi/types/redaction.go
// (a queued job with a pending/completed/failed status, retried once its
// precondition is met), repurposed here from "redact everything a user
// posted" to "redact this one target once it arrives".
package redactionqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/roomversion"
	"github.com/matrix-org/dendrite-core/roomserver/storage/kv"
)

// JobStatus mirrors the teacher's RedactionJobStatus enum, narrowed to a
// single target event rather than a whole user's history.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a redaction event parked until its target becomes locally known.
type Job struct {
	TargetEventID string
	RedactionRaw  []byte // the m.room.redaction PDU's raw JSON
	QueuedAt      int64  // origin_server_ts of the redaction, milliseconds
	Status        JobStatus
}

// EventStore is the subset of eventstore.Store the queue needs: applying a
// decided redaction to the target's stored record.
type EventStore interface {
	ApplyRedaction(ctx context.Context, eventID string, redactedRaw []byte) error
}

// Queue stores pending redaction jobs keyed by target event ID in
// kv.CFPendingRedactions, following the rest of this module's
// JSON-blob-under-a-namespaced-key convention rather than a SQL table.
type Queue struct {
	kv    kv.Store
	store EventStore
}

// New constructs a Queue over store's backing kv.Store.
func New(store kv.Store, events EventStore) *Queue {
	return &Queue{kv: store, store: events}
}

func jobKey(targetEventID, redactionEventID string) []byte {
	return []byte("pending/" + targetEventID + "/" + redactionEventID)
}

// Enqueue records redaction as pending against a target that isn't locally
// known yet. Called from input's resolveRedactions, after §4.6 Stage 8,
// when an incoming m.room.redaction's `redacts` target can't be resolved.
func (q *Queue) Enqueue(ctx context.Context, redaction *pdu.PDU) error {
	job := Job{
		TargetEventID: redaction.Redacts,
		RedactionRaw:  redaction.Raw(),
		QueuedAt:      redaction.OriginServerTS,
		Status:        JobPending,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redactionqueue: marshal job: %w", err)
	}
	return q.kv.Put(ctx, kv.CFPendingRedactions, jobKey(job.TargetEventID, redaction.EventID), raw)
}

// PendingFor returns every job still queued against targetEventID.
func (q *Queue) PendingFor(ctx context.Context, targetEventID string) ([]Job, error) {
	prefix := []byte("pending/" + targetEventID + "/")
	var out []Job
	err := q.kv.Iterate(ctx, kv.CFPendingRedactions, prefix, kv.PrefixUpperBound(prefix), func(_, value []byte) (bool, error) {
		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			return false, err
		}
		out = append(out, job)
		return true, nil
	})
	return out, err
}

// ResolveTarget is called once targetEventID becomes locally known (§4.6
// Stage 8, right after it's stitched onto the timeline): every job queued
// against it is re-evaluated with the target now in hand, applied via
// ApplyRedaction if user_can_redact allows it, and removed from the queue
// either way — a job is retried exactly once, on the event that unblocked
// it, since nothing about the decision changes afterwards. It returns the
// resolved jobs with their final status, for callers that want to log the
// outcome.
func (q *Queue) ResolveTarget(ctx context.Context, target *pdu.PDU, powerLevels *pdu.PDU, roomVersion string, isFederationContext bool) ([]Job, error) {
	jobs, err := q.PendingFor(ctx, target.EventID)
	if err != nil {
		return nil, err
	}
	for i, job := range jobs {
		redaction, err := pdu.ParsePDU(job.RedactionRaw)
		if err != nil {
			return nil, fmt.Errorf("redactionqueue: parse queued redaction: %w", err)
		}
		jobs[i].Status = JobFailed
		if UserCanRedact(redaction, target, powerLevels, roomVersion, isFederationContext) {
			redactedRaw, err := pdu.Redact(target.Raw())
			if err != nil {
				return nil, err
			}
			if err := q.store.ApplyRedaction(ctx, target.EventID, redactedRaw); err != nil {
				return nil, err
			}
			jobs[i].Status = JobCompleted
		}
		if err := q.kv.Delete(ctx, kv.CFPendingRedactions, jobKey(target.EventID, redaction.EventID)); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// UserCanRedact implements §4.8's user_can_redact: may redaction's sender
// redact target?
//
//  1. Self-redaction (the same sender posted both events) is always
//     allowed, regardless of power level.
//  2. Otherwise the sender needs at least the room's configured `redact`
//     power level (default 50).
//  3. In a federation context, room versions with ExtraRedactionChecks
//     (pre-v3) additionally require the redaction and target to share a
//     sender domain — the original spec's stopgap against one server
//     redacting another's events before the power-level check existed.
func UserCanRedact(redaction, target *pdu.PDU, powerLevels *pdu.PDU, roomVersion string, isFederationContext bool) bool {
	if redaction.Sender.String() == target.Sender.String() {
		return true
	}

	redactLevel := int64(50)
	senderLevel := int64(0)
	if powerLevels != nil {
		if v := gjson.GetBytes(powerLevels.Content, "redact"); v.Exists() {
			redactLevel = v.Int()
		}
		senderLevel = gjson.GetBytes(powerLevels.Content, "users."+escapeGJSONPath(redaction.Sender.String())).Int()
	}
	if senderLevel < redactLevel {
		return false
	}

	if isFederationContext {
		if features, err := roomversion.Get(roomVersion); err == nil && features.ExtraRedactionChecks {
			if redaction.Sender.Domain() != target.Sender.Domain() {
				return false
			}
		}
	}
	return true
}

// escapeGJSONPath escapes the path-separator characters gjson treats
// specially in a Matrix user ID (which always contains a literal '.' from
// its server name).
func escapeGJSONPath(userID string) string {
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
