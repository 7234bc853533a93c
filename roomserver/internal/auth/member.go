// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

// checkMember implements §4.4.1: the membership-specific auth logic
// dispatched from step 4 of the general flow.
func (c *Checker) checkMember(event *pdu.PDU, lookup func(string, string) *pdu.PDU, pl *PowerLevelContent) (bool, error) {
	if event.StateKey == nil {
		return false, nil
	}
	target := *event.StateKey
	content := gjson.ParseBytes(event.Content)
	membership := content.Get("membership").String()

	senderMember := lookup(types.MRoomMember, event.Sender.String())
	targetMember := lookup(types.MRoomMember, target)

	switch membership {
	case "join":
		return c.checkJoin(event, target, senderMember, targetMember, lookup, pl)
	case "invite":
		return c.checkInvite(event, target, content, senderMember, targetMember, pl)
	case "ban":
		return c.checkBan(event, target, senderMember, targetMember, pl)
	case "leave":
		return c.checkLeave(event, target, senderMember, targetMember, pl)
	case "knock":
		return c.checkKnock(event, target, senderMember, targetMember, lookup)
	default:
		return false, nil
	}
}

func (c *Checker) checkJoin(event *pdu.PDU, target string, senderMember, targetMember *pdu.PDU, lookup func(string, string) *pdu.PDU, pl *PowerLevelContent) (bool, error) {
	if len(event.PrevEvents) == 1 && c.CreateEvent != nil && event.PrevEvents[0] == c.createEventID() && target == c.CreateEvent.Sender.String() {
		return true, nil
	}
	if event.Sender.String() != target {
		return false, nil
	}
	if membershipOf(targetMember) == "ban" {
		return false, nil
	}

	joinRule := "invite"
	if jr := lookup(types.MRoomJoinRules, ""); jr != nil {
		if v := gjson.GetBytes(jr.Content, "join_rule"); v.Exists() {
			joinRule = v.String()
		}
	}

	switch joinRule {
	case "public":
		return true, nil
	case "invite", "knock":
		m := membershipOf(targetMember)
		return m == "invite" || m == "join", nil
	case "restricted", "knock_restricted":
		m := membershipOf(targetMember)
		if m == "invite" || m == "join" {
			return true, nil
		}
		content := gjson.ParseBytes(event.Content)
		authoriser := content.Get("join_authorized_via_users_server")
		if !authoriser.Exists() {
			return false, nil
		}
		authoriserMember := lookup(types.MRoomMember, authoriser.String())
		if membershipOf(authoriserMember) != "join" {
			return false, nil
		}
		authRank := c.rank(authoriser.String(), pl)
		return authRank.AtLeast(levelRank(pl.Invite)) || authRank.IsCreator, nil
	default:
		return false, nil
	}
}

func (c *Checker) checkInvite(event *pdu.PDU, target string, content gjson.Result, senderMember, targetMember *pdu.PDU, pl *PowerLevelContent) (bool, error) {
	if signed := content.Get("third_party_invite.signed"); signed.Exists() {
		return c.checkThirdPartyInvite(event, target, signed)
	}

	if membershipOf(senderMember) != "join" {
		return false, nil
	}
	if m := membershipOf(targetMember); m == "join" || m == "ban" {
		return false, nil
	}
	senderRank := c.rank(event.Sender.String(), pl)
	if !senderRank.IsCreator && senderRank.Less(levelRank(pl.Invite)) {
		return false, nil
	}
	return true, nil
}

// checkThirdPartyInvite implements the third-party-invite join path of
// §4.4.1: the signed blob must name the target as mxid, the referenced
// m.room.third_party_invite event (by token) must exist and share its
// sender with the invite, and at least one signature over the signed
// content must verify against keys declared on that invite event.
//
// Signature verification against the invite's declared public_keys is
// delegated to the caller's PDU-level signature checker (this package
// only owns the Matrix-level authorization decision tree, not Ed25519
// verification, matching §1's non-goals); VerifyThirdPartySignature
// carries the caller's verdict through, and a nil hook rejects.
func (c *Checker) checkThirdPartyInvite(event *pdu.PDU, target string, signed gjson.Result) (bool, error) {
	if signed.Get("mxid").String() != target {
		return false, nil
	}
	if c.ThirdPartyInviteLookup == nil {
		return false, nil
	}
	token := signed.Get("token").String()
	invite, ok := c.ThirdPartyInviteLookup(token)
	if !ok {
		return false, nil
	}
	if invite.Sender.String() != event.Sender.String() {
		return false, nil
	}
	if c.VerifyThirdPartySignature == nil {
		return false, nil
	}
	return c.VerifyThirdPartySignature(invite, signed)
}

func (c *Checker) checkBan(event *pdu.PDU, target string, senderMember, targetMember *pdu.PDU, pl *PowerLevelContent) (bool, error) {
	if membershipOf(senderMember) != "join" {
		return false, nil
	}
	senderRank := c.rank(event.Sender.String(), pl)
	if !senderRank.IsCreator && senderRank.Less(levelRank(pl.Ban)) {
		return false, nil
	}
	targetRank := c.rank(target, pl)
	if !senderRank.IsCreator && senderRank.Less(targetRank) {
		return false, nil
	}
	return true, nil
}

func (c *Checker) checkLeave(event *pdu.PDU, target string, senderMember, targetMember *pdu.PDU, pl *PowerLevelContent) (bool, error) {
	if event.Sender.String() == target {
		return membershipOf(targetMember) != "ban", nil
	}
	senderRank := c.rank(event.Sender.String(), pl)
	if !senderRank.IsCreator && senderRank.Less(levelRank(pl.Kick)) {
		return false, nil
	}
	targetRank := c.rank(target, pl)
	if !senderRank.IsCreator && senderRank.Less(targetRank) {
		return false, nil
	}
	return true, nil
}

func (c *Checker) checkKnock(event *pdu.PDU, target string, senderMember, targetMember *pdu.PDU, lookup func(string, string) *pdu.PDU) (bool, error) {
	joinRule := ""
	if jr := lookup(types.MRoomJoinRules, ""); jr != nil {
		joinRule = gjson.GetBytes(jr.Content, "join_rule").String()
	}
	if joinRule != "knock" && joinRule != "knock_restricted" {
		return false, nil
	}
	if event.Sender.String() != target {
		return false, nil
	}
	if membershipOf(targetMember) == "ban" {
		return false, nil
	}
	return true, nil
}

func (c *Checker) createEventID() string {
	if c.CreateEvent == nil {
		return ""
	}
	return c.CreateEvent.EventID
}
