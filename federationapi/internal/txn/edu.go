// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package txn

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EDU is one ephemeral data unit from a transaction body, kept as a raw
// content blob until its type selects a concrete shape to decode into,
// matching this module's gjson/sjson convention for untyped wire JSON
// elsewhere (e.g. roomserver/pdu) rather than a discriminated-union type.
type EDU struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// ACLChecker answers whether a server may participate in a room, per the
// server_acl gate §4.11 requires for receipt and typing EDUs. Grounded on
// input.ServerACL.Permits; the transaction layer doesn't read room state
// itself, so this is implemented by whatever wires a Processor to the
// roomserver's state.
type ACLChecker interface {
	ServerAllowed(ctx context.Context, roomID string, server spec.ServerName) (bool, error)
}

// RoomPresence answers the "is this user/server actually in the room"
// questions §4.11 requires before applying a receipt or typing EDU.
type RoomPresence interface {
	ServerInRoom(ctx context.Context, roomID string, server spec.ServerName) (bool, error)
	IsJoined(ctx context.Context, roomID, userID string) (bool, error)
}

// PresenceSink applies an m.presence EDU update for one user.
type PresenceSink interface {
	SetPresence(ctx context.Context, userID, presence string, currentlyActive *bool, lastActiveAgo *int64, statusMsg *string) error
}

// ReceiptSink applies a read-receipt update for one user/event.
type ReceiptSink interface {
	UpdateReadReceipt(ctx context.Context, roomID, userID, eventID string, data json.RawMessage) error
}

// TypingSink starts or stops a user's typing notification in a room.
type TypingSink interface {
	SetTyping(ctx context.Context, userID, roomID string, typing bool, timeoutMS int64) error
}

// DeviceListSink records that a user's device list changed, for clients to
// re-query.
type DeviceListSink interface {
	MarkDeviceListUpdate(ctx context.Context, userID string) error
}

// DirectToDeviceSink delivers one to-device message to one target device.
// The federation API's "*" (all devices) wildcard is expanded by the caller
// through AllDeviceIDs, so Deliver always receives a concrete device ID.
type DirectToDeviceSink interface {
	Deliver(ctx context.Context, sender, targetUserID, targetDeviceID, eventType string, content json.RawMessage) error
	AllDeviceIDs(ctx context.Context, userID string) ([]string, error)
}

// SigningKeySink records a user's updated cross-signing keys.
type SigningKeySink interface {
	UpdateCrossSigningKeys(ctx context.Context, userID string, masterKey, selfSigningKey json.RawMessage) error
}

type presenceContent struct {
	Push []struct {
		UserID          string  `json:"user_id"`
		Presence        string  `json:"presence"`
		CurrentlyActive *bool   `json:"currently_active,omitempty"`
		LastActiveAgo   *int64  `json:"last_active_ago,omitempty"`
		StatusMsg       *string `json:"status_msg,omitempty"`
	} `json:"push"`
}

type receiptContent map[string]struct {
	Read map[string]struct {
		Data      json.RawMessage `json:"data"`
		EventIDs  []string        `json:"event_ids"`
	} `json:"m.read"`
}

type typingContent struct {
	UserID  string `json:"user_id"`
	RoomID  string `json:"room_id"`
	Typing  bool   `json:"typing"`
}

type deviceListUpdateContent struct {
	UserID string `json:"user_id"`
}

type directToDeviceContent struct {
	Sender    string                     `json:"sender"`
	Type      string                     `json:"type"`
	MessageID string                     `json:"message_id"`
	Messages  map[string]map[string]json.RawMessage `json:"messages"`
}

type signingKeyUpdateContent struct {
	UserID          string          `json:"user_id"`
	MasterKey       json.RawMessage `json:"master_key"`
	SelfSigningKey  json.RawMessage `json:"self_signing_key"`
}

const allDevicesWildcard = "*"

// processEDUs dispatches every EDU in a transaction concurrently, per §4.11
// ("EDUs are processed after PDUs, concurrently by EDU"). An individual
// EDU's failure never aborts the batch: each handler logs and returns.
func (p *Processor) processEDUs(ctx context.Context, origin spec.ServerName, edus []EDU) {
	g, gctx := errgroup.WithContext(ctx)
	for _, edu := range edus {
		edu := edu
		g.Go(func() error {
			p.dispatchEDU(gctx, origin, edu)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) dispatchEDU(ctx context.Context, origin spec.ServerName, edu EDU) {
	switch edu.Type {
	case "m.presence":
		p.handlePresence(ctx, origin, edu.Content)
	case "m.receipt":
		p.handleReceipt(ctx, origin, edu.Content)
	case "m.typing":
		p.handleTyping(ctx, origin, edu.Content)
	case "m.direct_to_device":
		p.handleDirectToDevice(ctx, origin, edu.Content)
	case "m.device_list_update":
		p.handleDeviceListUpdate(ctx, origin, edu.Content)
	case "m.signing_key_update", "m.cross_signing_key_update":
		p.handleSigningKeyUpdate(ctx, origin, edu.Content)
	default:
		logrus.WithFields(logrus.Fields{"origin": origin, "edu_type": edu.Type}).
			Debug("txn: dropping unknown EDU type")
	}
}

func (p *Processor) handlePresence(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	if p.Presence == nil {
		return
	}
	var content presenceContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed m.presence EDU")
		return
	}
	for _, update := range content.Push {
		if !ownedByOrigin(update.UserID, origin) {
			logrus.WithFields(logrus.Fields{"user_id": update.UserID, "origin": origin}).
				Debug("txn: dropping presence EDU for user not belonging to origin")
			continue
		}
		if err := p.Presence.SetPresence(ctx, update.UserID, update.Presence, update.CurrentlyActive, update.LastActiveAgo, update.StatusMsg); err != nil {
			logrus.WithError(err).Warn("txn: failed to apply presence update")
		}
	}
}

func (p *Processor) handleReceipt(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	if p.Receipts == nil {
		return
	}
	var content receiptContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed m.receipt EDU")
		return
	}
	for roomID, roomUpdates := range content {
		if !p.aclAllows(ctx, roomID, origin) {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "origin": origin}).
				Debug("txn: dropping receipt EDU from ACL'd server")
			continue
		}
		for userID, data := range roomUpdates.Read {
			if !ownedByOrigin(userID, origin) {
				logrus.WithFields(logrus.Fields{"user_id": userID, "origin": origin}).
					Debug("txn: dropping receipt EDU for user not belonging to origin")
				continue
			}
			if p.Membership != nil {
				if inRoom, err := p.Membership.ServerInRoom(ctx, roomID, origin); err != nil {
					logrus.WithError(err).Warn("txn: failed to check server membership for receipt")
					continue
				} else if !inRoom {
					logrus.WithFields(logrus.Fields{"room_id": roomID, "origin": origin}).
						Debug("txn: dropping receipt EDU from server with no member in the room")
					continue
				}
			}
			for _, eventID := range data.EventIDs {
				if err := p.Receipts.UpdateReadReceipt(ctx, roomID, userID, eventID, data.Data); err != nil {
					logrus.WithError(err).Warn("txn: failed to apply read receipt")
				}
			}
		}
	}
}

func (p *Processor) handleTyping(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	if p.Typing == nil {
		return
	}
	var content typingContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed m.typing EDU")
		return
	}
	if !ownedByOrigin(content.UserID, origin) {
		logrus.WithFields(logrus.Fields{"user_id": content.UserID, "origin": origin}).
			Debug("txn: dropping typing EDU for user not belonging to origin")
		return
	}
	if !p.aclAllows(ctx, content.RoomID, origin) {
		logrus.WithFields(logrus.Fields{"room_id": content.RoomID, "origin": origin}).
			Debug("txn: dropping typing EDU from ACL'd server")
		return
	}
	if p.Membership != nil {
		joined, err := p.Membership.IsJoined(ctx, content.RoomID, content.UserID)
		if err != nil {
			logrus.WithError(err).Warn("txn: failed to check membership for typing EDU")
			return
		}
		if !joined {
			logrus.WithFields(logrus.Fields{"user_id": content.UserID, "room_id": content.RoomID}).
				Debug("txn: dropping typing EDU for user not in room")
			return
		}
	}
	const typingFederationTimeoutMS = 30_000
	timeout := int64(0)
	if content.Typing {
		timeout = typingFederationTimeoutMS
	}
	if err := p.Typing.SetTyping(ctx, content.UserID, content.RoomID, content.Typing, timeout); err != nil {
		logrus.WithError(err).Warn("txn: failed to apply typing update")
	}
}

func (p *Processor) handleDeviceListUpdate(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	if p.DeviceLists == nil {
		return
	}
	var content deviceListUpdateContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed m.device_list_update EDU")
		return
	}
	if !ownedByOrigin(content.UserID, origin) {
		logrus.WithFields(logrus.Fields{"user_id": content.UserID, "origin": origin}).
			Debug("txn: dropping device list update EDU for user not belonging to origin")
		return
	}
	if err := p.DeviceLists.MarkDeviceListUpdate(ctx, content.UserID); err != nil {
		logrus.WithError(err).Warn("txn: failed to record device list update")
	}
}

func (p *Processor) handleSigningKeyUpdate(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	if p.SigningKeys == nil {
		return
	}
	var content signingKeyUpdateContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed signing key update EDU")
		return
	}
	if !ownedByOrigin(content.UserID, origin) {
		logrus.WithFields(logrus.Fields{"user_id": content.UserID, "origin": origin}).
			Debug("txn: dropping signing key update EDU for user not belonging to origin")
		return
	}
	if err := p.SigningKeys.UpdateCrossSigningKeys(ctx, content.UserID, content.MasterKey, content.SelfSigningKey); err != nil {
		logrus.WithError(err).Warn("txn: failed to apply signing key update")
	}
}

// handleDirectToDevice dedupes by (sender, message_id) and fans the message
// out to every named target device, or every device of a user for the
// "*" wildcard.
func (p *Processor) handleDirectToDevice(ctx context.Context, origin spec.ServerName, raw json.RawMessage) {
	var content directToDeviceContent
	if err := json.Unmarshal(raw, &content); err != nil {
		logrus.WithError(err).Warn("txn: malformed m.direct_to_device EDU")
		return
	}
	if !ownedByOrigin(content.Sender, origin) {
		logrus.WithFields(logrus.Fields{"sender": content.Sender, "origin": origin}).
			Debug("txn: dropping direct to device EDU for sender not belonging to origin")
		return
	}

	dedupeID := content.Sender + "\x00" + content.MessageID
	p.toDeviceMu.Lock()
	_, seen := p.toDevice.Get(dedupeID)
	if !seen {
		p.toDevice.SetDefault(dedupeID, struct{}{})
	}
	p.toDeviceMu.Unlock()
	if seen {
		return
	}

	if p.ToDevice == nil {
		return
	}
	for targetUserID, devices := range content.Messages {
		for targetDeviceID, message := range devices {
			if targetDeviceID == allDevicesWildcard {
				deviceIDs, err := p.ToDevice.AllDeviceIDs(ctx, targetUserID)
				if err != nil {
					logrus.WithError(err).Warn("txn: failed to list devices for to-device fan-out")
					continue
				}
				for _, deviceID := range deviceIDs {
					if err := p.ToDevice.Deliver(ctx, content.Sender, targetUserID, deviceID, content.Type, message); err != nil {
						logrus.WithError(err).Warn("txn: failed to deliver to-device message")
					}
				}
				continue
			}
			if err := p.ToDevice.Deliver(ctx, content.Sender, targetUserID, targetDeviceID, content.Type, message); err != nil {
				logrus.WithError(err).Warn("txn: failed to deliver to-device message")
			}
		}
	}
}

func (p *Processor) aclAllows(ctx context.Context, roomID string, origin spec.ServerName) bool {
	if p.ACL == nil {
		return true
	}
	allowed, err := p.ACL.ServerAllowed(ctx, roomID, origin)
	if err != nil {
		logrus.WithError(err).Warn("txn: failed to evaluate server_acl")
		return false
	}
	return allowed
}

// ownedByOrigin reports whether userID's server name matches origin, the
// spoofing guard §4.11 requires for every per-user EDU field.
func ownedByOrigin(userID string, origin spec.ServerName) bool {
	u, err := spec.NewUserID(userID, true)
	if err != nil {
		return false
	}
	return u.Domain() == origin
}
