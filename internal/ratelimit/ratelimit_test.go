// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ratelimit

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestAllowPermitsAnUntrackedOrigin(t *testing.T) {
	l := New()
	ok, retryAfter := l.Allow("a.example.com")
	assert.True(t, ok)
	assert.False(t, retryAfter)
}

func TestPenalizeBlocksUntilBackoffElapses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New()
	l.now = func() time.Time { return now }

	l.Penalize("bad.example.com")
	ok, retryAfter := l.Allow("bad.example.com")
	assert.False(t, ok, "an origin just penalized must be blocked")
	assert.True(t, retryAfter)

	now = now.Add(2 * time.Hour) // past any single backoff step, including the cap
	ok, retryAfter = l.Allow("bad.example.com")
	assert.True(t, ok, "the backoff must eventually expire")
	assert.False(t, retryAfter)
}

func TestPenalizeTracksOriginsIndependently(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New()
	l.now = func() time.Time { return now }

	l.Penalize("bad.example.com")
	ok, _ := l.Allow("good.example.com")
	assert.True(t, ok, "penalizing one origin must not affect another")
}

func TestBackoffDurationGrowsWithFailuresAndCaps(t *testing.T) {
	first := backoffDuration(0)
	assert.GreaterOrEqual(t, first, time.Duration(float64(minBackoff)*minJitterMultiplier))
	assert.LessOrEqual(t, first, time.Duration(float64(minBackoff)*maxJitterMultiplier))

	capped := backoffDuration(32)
	assert.Equal(t, maxBackoff, capped, "a large failure count must be clamped to maxBackoff")
}

func TestRepeatedPenalizeLengthensBackoff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New()
	l.now = func() time.Time { return now }

	l.Penalize("bad.example.com")
	firstUntil := l.state["bad.example.com"].blockedUntil

	now = firstUntil.Add(time.Millisecond) // let the first backoff clear before penalizing again
	l.Penalize("bad.example.com")
	secondUntil := l.state["bad.example.com"].blockedUntil

	assert.Greater(t, secondUntil.Sub(now), firstUntil.Sub(time.Unix(1_700_000_000, 0)),
		"a repeat offender should be made to wait longer than the first time")
}

func TestResetClearsBackoffImmediately(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New()
	l.now = func() time.Time { return now }

	l.Penalize("bad.example.com")
	ok, _ := l.Allow("bad.example.com")
	assert.False(t, ok)

	l.Reset("bad.example.com")
	ok, retryAfter := l.Allow("bad.example.com")
	assert.True(t, ok)
	assert.False(t, retryAfter)
}

func TestAllowAndPenalizeAreSafeForConcurrentUse(t *testing.T) {
	l := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			origin := spec.ServerName("origin.example.com")
			l.Penalize(origin)
			l.Allow(origin)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
