// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package policy

import (
	"context"
)

// Backend names which antispam service a BackendConfig addresses, since
// Meowlnir and Draupnir's request shapes differ slightly (Meowlnir's
// requests carry a management room, Draupnir's don't).
type Backend int

const (
	BackendMeowlnir Backend = iota
	BackendDraupnir
)

// BackendConfig is one antispam backend's connection details: a base URL
// and a shared secret the request is authenticated with, matching
// original_source's conduwuit::config::Antispam shape.
type BackendConfig struct {
	BaseURL        string
	Secret         string
	ManagementRoom string // Meowlnir only
}

// AntispamConfig holds the (at most one active) configured antispam
// backend. Meowlnir takes precedence over Draupnir when both are set,
// matching original_source's if/else-if chain.
type AntispamConfig struct {
	Meowlnir *BackendConfig
	Draupnir *BackendConfig
}

func (c AntispamConfig) active() (cfg BackendConfig, backend Backend, ok bool) {
	if c.Meowlnir != nil {
		return *c.Meowlnir, BackendMeowlnir, true
	}
	if c.Draupnir != nil {
		return *c.Draupnir, BackendDraupnir, true
	}
	return BackendConfig{}, 0, false
}

// AntispamTransport makes the short-timeout, secret-authenticated HTTP
// calls §4.10 names for each admission hook. Left abstract here, the same
// way roomserver/internal/input.Federation abstracts its HTTP client: the
// request/response wire shape and the "sign with the homeserver's
// federation key" detail belong to whatever wires a Service to an actual
// HTTP client.
type AntispamTransport interface {
	UserMayInvite(ctx context.Context, backend Backend, cfg BackendConfig, inviter, invitee, roomID string) error
	UserMayJoinRoom(ctx context.Context, backend Backend, cfg BackendConfig, userID, roomID string, isInvited bool) error
	AcceptMakeJoin(ctx context.Context, backend Backend, cfg BackendConfig, roomID, userID string) error
}

// AntispamClient is the admission-hook surface §4.10 names, consulted by
// the invite/join paths this package doesn't itself own.
type AntispamClient interface {
	UserMayInvite(ctx context.Context, inviter, invitee, roomID string) error
	UserMayJoinRoom(ctx context.Context, userID, roomID string, isInvited bool) error
	AcceptMakeJoin(ctx context.Context, roomID, userID string) error
}

// Service implements AntispamClient. When no backend is configured every
// hook passes (nil error); when a backend is configured and it returns an
// error, the caller must block the action (§4.10's fail-closed rule — the
// one asymmetry against the policy gateway's fail-open rule above).
type Service struct {
	Config    AntispamConfig
	Transport AntispamTransport
}

// NewAntispamService constructs a Service over the given config and
// transport. A zero-value AntispamConfig (no backend configured) makes
// every hook a no-op.
func NewAntispamService(config AntispamConfig, transport AntispamTransport) *Service {
	return &Service{Config: config, Transport: transport}
}

func (s *Service) UserMayInvite(ctx context.Context, inviter, invitee, roomID string) error {
	cfg, backend, ok := s.Config.active()
	if !ok {
		return nil
	}
	return s.Transport.UserMayInvite(ctx, backend, cfg, inviter, invitee, roomID)
}

func (s *Service) UserMayJoinRoom(ctx context.Context, userID, roomID string, isInvited bool) error {
	cfg, backend, ok := s.Config.active()
	if !ok {
		return nil
	}
	return s.Transport.UserMayJoinRoom(ctx, backend, cfg, userID, roomID, isInvited)
}

// AcceptMakeJoin applies Meowlnir's fi.mau.spam_checker join rule; only
// Meowlnir implements this hook (original_source's meowlnir_accept_make_join
// has no Draupnir equivalent).
func (s *Service) AcceptMakeJoin(ctx context.Context, roomID, userID string) error {
	cfg, backend, ok := s.Config.active()
	if !ok || backend != BackendMeowlnir {
		return nil
	}
	return s.Transport.AcceptMakeJoin(ctx, backend, cfg, roomID, userID)
}
