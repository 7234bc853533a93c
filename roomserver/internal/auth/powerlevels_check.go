// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

var scalarFields = []string{"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite"}

// checkPowerLevelsEvent implements §4.4.2, delegated from step 10 of the
// general flow once the event itself has already passed ParsePowerLevelContent.
func (c *Checker) checkPowerLevelsEvent(event, previous *pdu.PDU, senderRank Rank) (bool, error) {
	newPL, err := ParsePowerLevelContent(event.Content)
	if err != nil {
		return false, nil
	}

	if c.Features.ExplicitlyPrivilegeRoomCreators {
		for userID := range newPL.Users {
			if _, isCreator := c.Creators[userID]; isCreator {
				return false, nil
			}
		}
	}
	for userID := range newPL.Users {
		if _, err := spec.NewUserID(userID, true); err != nil {
			return false, nil
		}
	}

	if senderRank.IsCreator {
		return true, nil
	}

	if previous == nil {
		// First power-levels event in the room: accept per §4.4.2.
		return true, nil
	}
	oldPL, err := ParsePowerLevelContent(previous.Content)
	if err != nil {
		return false, nil
	}

	check := func(old, new int64) bool {
		if old == new {
			return true
		}
		return senderRank.AtLeast(levelRank(old)) && senderRank.AtLeast(levelRank(new))
	}

	oldScalars := map[string]int64{
		"users_default": oldPL.UsersDefault, "events_default": oldPL.EventsDefault,
		"state_default": oldPL.StateDefault, "ban": oldPL.Ban, "redact": oldPL.Redact,
		"kick": oldPL.Kick, "invite": oldPL.Invite,
	}
	newScalars := map[string]int64{
		"users_default": newPL.UsersDefault, "events_default": newPL.EventsDefault,
		"state_default": newPL.StateDefault, "ban": newPL.Ban, "redact": newPL.Redact,
		"kick": newPL.Kick, "invite": newPL.Invite,
	}
	for _, field := range scalarFields {
		if !check(oldScalars[field], newScalars[field]) {
			return false, nil
		}
	}

	eventKeys := map[string]struct{}{}
	for k := range oldPL.Events {
		eventKeys[k] = struct{}{}
	}
	for k := range newPL.Events {
		eventKeys[k] = struct{}{}
	}
	for k := range eventKeys {
		old, hadOld := oldPL.Events[k]
		if !hadOld {
			old = oldPL.EventsDefault
		}
		new, hadNew := newPL.Events[k]
		if !hadNew {
			new = newPL.EventsDefault
		}
		if !check(old, new) {
			return false, nil
		}
	}

	userKeys := map[string]struct{}{}
	for k := range oldPL.Users {
		userKeys[k] = struct{}{}
	}
	for k := range newPL.Users {
		userKeys[k] = struct{}{}
	}
	for k := range userKeys {
		old, hadOld := oldPL.Users[k]
		if !hadOld {
			old = oldPL.UsersDefault
		}
		new, hadNew := newPL.Users[k]
		if !hadNew {
			new = newPL.UsersDefault
		}
		if !check(old, new) {
			return false, nil
		}
	}

	return true, nil
}
