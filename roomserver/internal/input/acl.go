// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

// ServerACL is the parsed content of an m.room.server_acl event (§4.6
// Stage 1's "origin ACL must permit this room; sender's server ACL must
// permit this room" gate). No upstream ACL-matching implementation was
// present anywhere in the retrieval pack — only the constructor-wiring
// shape (roomserver/acls.NewServerACLs, injected as an ACLs field on the
// inputer) turned up — so the glob semantics below follow the Matrix spec's
// own description of server_acl (shell-style * and ? wildcards over a
// server name, deny evaluated before allow, default allow when the allow
// list is empty) and are matched using the standard library's path.Match,
// which already implements that wildcard grammar.
type ServerACL struct {
	Allow        []string
	Deny         []string
	AllowIPLiterals bool
}

// ParseServerACL reads a ServerACL from an m.room.server_acl event's
// content bytes. A missing allow/deny list is treated as empty.
func ParseServerACL(content []byte) ServerACL {
	v := gjson.ParseBytes(content)
	acl := ServerACL{AllowIPLiterals: true}
	if ipLiteral := v.Get("allow_ip_literals"); ipLiteral.Exists() {
		acl.AllowIPLiterals = ipLiteral.Bool()
	}
	for _, a := range v.Get("allow").Array() {
		acl.Allow = append(acl.Allow, a.String())
	}
	for _, d := range v.Get("deny").Array() {
		acl.Deny = append(acl.Deny, d.String())
	}
	return acl
}

// Permits reports whether server may participate in the room this ACL
// governs. A deny match always wins; an empty allow list defaults to
// permitting everything not denied.
func (a ServerACL) Permits(server string) bool {
	if !a.AllowIPLiterals && looksLikeIPLiteral(server) {
		return false
	}
	for _, pattern := range a.Deny {
		if aclMatch(pattern, server) {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, pattern := range a.Allow {
		if aclMatch(pattern, server) {
			return true
		}
	}
	return false
}

func aclMatch(pattern, server string) bool {
	ok, err := path.Match(pattern, server)
	return err == nil && ok
}

func looksLikeIPLiteral(server string) bool {
	host := server
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if strings.Count(host, ".") != 3 {
		return false
	}
	for _, r := range host {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// serverACLFor extracts the ServerACL currently in effect for a room from
// its state, or a permissive ServerACL (empty lists, IP literals allowed)
// if no m.room.server_acl event has ever been set.
func serverACLFor(lookup func(eventType, stateKey string) (*pdu.PDU, bool, error)) (ServerACL, error) {
	ev, ok, err := lookup("m.room.server_acl", "")
	if err != nil {
		return ServerACL{}, err
	}
	if !ok {
		return ServerACL{AllowIPLiterals: true}, nil
	}
	return ParseServerACL(ev.Content), nil
}
