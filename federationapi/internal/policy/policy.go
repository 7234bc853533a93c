// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package policy implements §4.10's policy-server integration: the
// `org.matrix.msc4284.policy` room state event names a `via` server that
// the core consults for a spam recommendation on each newly accepted
// event, and, when the policy event declares a `public_key`, whose
// Ed25519 signature over the event is required before it is broadcast.
// Grounded on original_source's
// `service/rooms/event_handler/{policy_server,call_policyserv}.rs`
// (continuwuity's ask_policy_server/fetch_policy_server_signature),
// translated from its CanonicalJsonObject splicing into this module's
// `tidwall/sjson` convention for mutating untyped PDU JSON.
package policy

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

// EventType is the state event type naming a room's policy server, per
// MSC4284.
const EventType = "org.matrix.msc4284.policy"

// policyServerSignatureKeyID is the key ID a policy server's signature
// must be published under, per §4.10.
const policyServerSignatureKeyID = "ed25519:policy_server"

// defaultCheckTimeout bounds a policy_check/policy_sign round trip before
// §4.10's fail-open rule applies.
const defaultCheckTimeout = 10 * time.Second

// recommendationCacheTTL bounds how long a policy server's verdict for one
// event is remembered, avoiding a repeat round trip if the same event is
// re-evaluated (e.g. on retry after a transient storage error).
const recommendationCacheTTL = 5 * time.Minute

// Content is the parsed body of an org.matrix.msc4284.policy state event.
type Content struct {
	Via       spec.ServerName
	PublicKey string // empty if the room doesn't mandate a signature
}

// ParseContent reads a Content from a policy state event's raw content
// bytes, matching this module's gjson convention for untyped PDU JSON
// elsewhere (e.g. roomserver/internal/input/acl.go's ParseServerACL).
func ParseContent(content []byte) Content {
	v := gjson.ParseBytes(content)
	return Content{
		Via:       spec.ServerName(v.Get("via").String()),
		PublicKey: v.Get("public_key").String(),
	}
}

// RoomState is the room-state lookups the policy gateway needs: the
// room's current policy-server declaration, if any, and whether that
// server has a member in the room (an absent policy server is never
// consulted, per §4.10).
type RoomState interface {
	PolicyServer(ctx context.Context, roomID string) (Content, bool, error)
	ServerInRoom(ctx context.Context, roomID string, server spec.ServerName) (bool, error)
}

// Transport is the federation calls a policy gateway makes: policy_check
// for a spam recommendation, policy_sign for a mandatory signature on a
// locally generated event. The actual HTTP/signing mechanics live outside
// this package, mirroring how roomserver/internal/input.Federation
// abstracts the federation client it depends on.
type Transport interface {
	PolicyCheck(ctx context.Context, via spec.ServerName, eventID string, rawEvent []byte) (recommendation string, err error)
	PolicySign(ctx context.Context, via spec.ServerName, rawEvent []byte) (signature string, ok bool, err error)
}

// Gateway implements the roomserver input pipeline's PolicyClient
// (Recommendation) plus the signing half of §4.10 for locally generated
// events.
type Gateway struct {
	State     RoomState
	Transport Transport
	Timeout   time.Duration

	cache *cache.Cache
}

// New constructs a Gateway over state and transport, using
// defaultCheckTimeout unless overridden on the returned value.
func New(state RoomState, transport Transport) *Gateway {
	return &Gateway{
		State:     state,
		Transport: transport,
		Timeout:   defaultCheckTimeout,
		cache:     cache.New(recommendationCacheTTL, recommendationCacheTTL*2),
	}
}

// Recommendation implements roomserver/internal/input.PolicyClient: it
// asks event's room's configured policy server (if any) whether event is
// spam. ok=false means no verdict was reached — no policy server is
// configured, it has no member in the room, or it couldn't be reached
// within Timeout (§4.10's fail-open rule) — and Stage 7 must treat that
// as pass-through rather than a rejection.
func (g *Gateway) Recommendation(ctx context.Context, roomID string, event *pdu.PDU) (spam bool, ok bool, err error) {
	if event.Type == EventType {
		return false, false, nil
	}

	content, configured, err := g.State.PolicyServer(ctx, roomID)
	if err != nil {
		return false, false, err
	}
	if !configured || content.Via == "" {
		return false, false, nil
	}

	inRoom, err := g.State.ServerInRoom(ctx, roomID, content.Via)
	if err != nil {
		return false, false, err
	}
	if !inRoom {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "via": content.Via}).
			Debug("policy: policy server is not in the room, skipping spam check")
		return false, false, nil
	}

	if cached, hit := g.cache.Get(event.EventID); hit {
		return cached.(bool), true, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	recommendation, err := g.Transport.PolicyCheck(checkCtx, content.Via, event.EventID, event.Raw())
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "via": content.Via}).
			Warn("policy: failed to contact policy server, failing open")
		return false, false, nil
	}

	isSpam := recommendation == "spam"
	g.cache.SetDefault(event.EventID, isSpam)
	return isSpam, true, nil
}

// Sign asks event's room's policy server for its mandatory signature (the
// room's policy event declares a public_key) and splices the returned
// signature into rawEvent's signatures[via]["ed25519:policy_server"],
// returning the updated bytes. Only locally generated events need this;
// an incoming event either already carries the signature or is handled by
// Recommendation's legacy spam check instead.
func (g *Gateway) Sign(ctx context.Context, roomID string, rawEvent []byte) ([]byte, error) {
	content, configured, err := g.State.PolicyServer(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !configured || content.Via == "" || content.PublicKey == "" {
		return rawEvent, nil
	}

	signCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	signature, ok, err := g.Transport.PolicySign(signCtx, content.Via, rawEvent)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "via": content.Via}).
			Warn("policy: failed to contact policy server for signature")
		return nil, err
	}
	if !ok {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "via": content.Via}).
			Debug("policy: policy server refused to sign event")
		return rawEvent, nil
	}

	path := "signatures." + gjsonEscape(string(content.Via)) + "." + gjsonEscape(policyServerSignatureKeyID)
	return sjson.SetBytes(rawEvent, path, signature)
}

// gjsonEscape escapes '.', '*' and '?' in a path segment, matching
// roomserver/internal/redactionqueue's escapeGJSONPath convention for
// splicing a dotted identifier (a server name, here) into a gjson/sjson
// path.
func gjsonEscape(segment string) string {
	out := make([]byte, 0, len(segment))
	for i := 0; i < len(segment); i++ {
		switch segment[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, segment[i])
	}
	return string(out)
}
