// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package pdu defines the wire representation of a Matrix event (a PDU, in
// the terminology of §3.1) and the canonical-JSON, hashing and event-ID
// operations that every higher layer needs. Ed25519 signing/verification
// and SHA-256 hashing are treated as capabilities supplied by
// gomatrixserverlib, per §1's non-goals; this package owns everything
// version-specific built on top of those primitives.
package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxPDUBytes is the wire-size limit from §4.2/§6.1: PDUs larger than this
// are rejected at ingest.
const MaxPDUBytes = 65535

// PDU is the parsed form of a persistent data unit, per §3.1.
type PDU struct {
	EventID         string
	RoomID          string // may be empty pre-v12 create event; see §3.1
	Sender          spec.UserID
	OriginServerTS  int64
	Type            string
	StateKey        *string
	Content         []byte // raw canonical JSON object
	PrevEvents      []string
	Depth           int64
	AuthEvents      []string
	Redacts         string
	Unsigned        []byte
	HashesSHA256    string
	Signatures      map[spec.ServerName]map[string]string
	raw             []byte // full canonical JSON as received/produced
}

// IsState reports whether the event carries a state key.
func (p *PDU) IsState() bool { return p.StateKey != nil }

// StateKeyEquals reports whether the event's state key equals the given
// value, treating a nil state key as never matching.
func (p *PDU) StateKeyEquals(v string) bool {
	return p.StateKey != nil && *p.StateKey == v
}

// Raw returns the full canonical JSON this PDU was parsed from, or was last
// serialized to.
func (p *PDU) Raw() []byte { return p.raw }

// SetRaw records the canonical JSON bytes backing this PDU (used after
// parsing or after a redaction rewrite).
func (p *PDU) SetRaw(b []byte) { p.raw = b }

// ParsePDU parses a canonical JSON PDU, enforcing the §4.2/§6.1 size limit.
func ParsePDU(raw []byte) (*PDU, error) {
	if len(raw) > MaxPDUBytes {
		return nil, fmt.Errorf("pdu: %d bytes exceeds %d byte limit", len(raw), MaxPDUBytes)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("pdu: not a JSON object")
	}
	p := &PDU{
		EventID:        root.Get("event_id").String(),
		RoomID:         root.Get("room_id").String(),
		Sender:         spec.UserID{}, // filled below if parseable
		OriginServerTS: root.Get("origin_server_ts").Int(),
		Type:           root.Get("type").String(),
		Depth:          root.Get("depth").Int(),
		Redacts:        root.Get("redacts").String(),
		Content:        []byte(root.Get("content").Raw),
		HashesSHA256:   root.Get("hashes.sha256").String(),
		raw:            raw,
	}
	if sk := root.Get("state_key"); sk.Exists() {
		v := sk.String()
		p.StateKey = &v
	}
	if u, err := spec.NewUserID(root.Get("sender").String(), true); err == nil {
		p.Sender = *u
	}
	for _, v := range root.Get("prev_events").Array() {
		p.PrevEvents = append(p.PrevEvents, v.String())
	}
	for _, v := range root.Get("auth_events").Array() {
		p.AuthEvents = append(p.AuthEvents, v.String())
	}
	if u := root.Get("unsigned"); u.Exists() {
		p.Unsigned = []byte(u.Raw)
	}
	p.Signatures = map[spec.ServerName]map[string]string{}
	root.Get("signatures").ForEach(func(server, keys gjson.Result) bool {
		m := map[string]string{}
		keys.ForEach(func(keyID, sig gjson.Result) bool {
			m[keyID.String()] = sig.String()
			return true
		})
		p.Signatures[spec.ServerName(server.String())] = m
		return true
	})
	return p, nil
}

// CanonicalJSONForSigning strips signatures, unsigned and hashes from the
// raw JSON, per §6.1: the bytes over which hashes.sha256 and every
// signature are computed.
func CanonicalJSONForSigning(raw []byte) ([]byte, error) {
	out := raw
	var err error
	for _, field := range []string{"signatures", "unsigned", "hashes"} {
		out, err = sjson.DeleteBytes(out, field)
		if err != nil {
			return nil, fmt.Errorf("pdu: strip %s: %w", field, err)
		}
	}
	return canonicalize(out)
}

// canonicalize reorders object keys lexicographically and removes
// insignificant whitespace, matching the Matrix canonical JSON rules
// (gjson/sjson round-trip already drops whitespace; this pass sorts keys).
func canonicalize(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	var b strings.Builder
	writeCanonical(&b, root)
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		b.WriteByte('{')
		keys := make([]string, 0)
		fields := map[string]gjson.Result{}
		v.ForEach(func(k, val gjson.Result) bool {
			keys = append(keys, k.String())
			fields[k.String()] = val
			return true
		})
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := sjsonQuote(k)
			b.WriteString(kb)
			b.WriteByte(':')
			writeCanonical(b, fields[k])
		}
		b.WriteByte('}')
	case v.IsArray():
		b.WriteByte('[')
		arr := v.Array()
		for i, e := range arr {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		b.WriteString(v.Raw)
	}
}

func sjsonQuote(s string) (string, error) {
	out, err := sjson.SetBytes([]byte("{}"), "k", s)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(out, "k").Raw, nil
}

// ComputeContentHash computes the base64-unpadded SHA-256 content hash of a
// PDU's canonical form, for the hashes.sha256 field.
func ComputeContentHash(raw []byte) (string, error) {
	canon, err := CanonicalJSONForSigning(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// VerifyContentHash checks a PDU's declared hashes.sha256 against the
// recomputed value. Per §4.6 Stage 2 step 3, a mismatch is not fatal: the
// caller redacts the event and continues.
func VerifyContentHash(raw []byte, declared string) (bool, error) {
	got, err := ComputeContentHash(raw)
	if err != nil {
		return false, err
	}
	return got == declared, nil
}

// EventIDSigil is the leading byte of a Matrix event ID.
const EventIDSigil = '$'

// RoomIDSigil is the leading byte of a Matrix room ID.
const RoomIDSigil = '!'

// DeriveRoomIDFromCreateEventID implements §3.1/§4.4's room-ID-as-hash rule
// for room versions >= 12: the room ID is the create event's own ID with
// the leading sigil substituted.
func DeriveRoomIDFromCreateEventID(createEventID string) (string, error) {
	if len(createEventID) == 0 || createEventID[0] != EventIDSigil {
		return "", fmt.Errorf("pdu: %q is not a valid event ID", createEventID)
	}
	return string(RoomIDSigil) + createEventID[1:], nil
}
