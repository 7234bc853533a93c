// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Defaults for m.room.power_levels fields absent from content, per the
// Matrix specification.
const (
	defaultUsersDefault   = 0
	defaultEventsDefault  = 0
	defaultStateDefault   = 50
	defaultBan            = 50
	defaultRedact         = 50
	defaultKick           = 50
	defaultInvite         = 0
)

// PowerLevelContent is the parsed form of an m.room.power_levels event's
// content, per §4.4.2.
type PowerLevelContent struct {
	UsersDefault  int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Redact        int64
	Kick          int64
	Invite        int64
	Users         map[string]int64
	Events        map[string]int64
}

// ParsePowerLevelContent parses power-levels content, rejecting any of the
// well-known numeric fields that fail to deserialize as an integer
// (§4.4.2: "all numeric fields must deserialize as integers").
func ParsePowerLevelContent(content []byte) (*PowerLevelContent, error) {
	root := gjson.ParseBytes(content)
	pl := &PowerLevelContent{
		UsersDefault:  defaultUsersDefault,
		EventsDefault: defaultEventsDefault,
		StateDefault:  defaultStateDefault,
		Ban:           defaultBan,
		Redact:        defaultRedact,
		Kick:          defaultKick,
		Invite:        defaultInvite,
		Users:         map[string]int64{},
		Events:        map[string]int64{},
	}
	fields := map[string]*int64{
		"users_default":  &pl.UsersDefault,
		"events_default": &pl.EventsDefault,
		"state_default":  &pl.StateDefault,
		"ban":            &pl.Ban,
		"redact":         &pl.Redact,
		"kick":           &pl.Kick,
		"invite":         &pl.Invite,
	}
	for key, dst := range fields {
		v := root.Get(key)
		if !v.Exists() {
			continue
		}
		if v.Type != gjson.Number || v.Num != float64(v.Int()) {
			return nil, fmt.Errorf("auth: power_levels.%s is not an integer", key)
		}
		*dst = v.Int()
	}
	var parseErr error
	root.Get("users").ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.Number || v.Num != float64(v.Int()) {
			parseErr = fmt.Errorf("auth: power_levels.users.%s is not an integer", k.String())
			return false
		}
		pl.Users[k.String()] = v.Int()
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	root.Get("events").ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.Number || v.Num != float64(v.Int()) {
			parseErr = fmt.Errorf("auth: power_levels.events.%s is not an integer", k.String())
			return false
		}
		pl.Events[k.String()] = v.Int()
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return pl, nil
}

// UserLevel returns userID's power level: their entry in users, or
// users_default if absent.
func (pl *PowerLevelContent) UserLevel(userID string) int64 {
	if v, ok := pl.Users[userID]; ok {
		return v
	}
	return pl.UsersDefault
}

// EventLevel returns the level required to send an event of eventType,
// falling back to stateDefault for state events or eventsDefault for
// non-state events, per §4.4 step 8.
func (pl *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if v, ok := pl.Events[eventType]; ok {
		return v
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}
