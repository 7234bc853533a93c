// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package ratelimit implements §5's bad-event rate limiter: per-origin
// exponential backoff with jitter for servers whose declared
// prev_events/state keep failing to resolve, consulted by
// roomserver/internal/input before Stage 3's backfill fan-out.
// Grounded on the teacher's
// federationapi/internal/partialstate.go (PartialStateWorker's
// backoffDuration), the only jittered-exponential-backoff
// implementation anywhere in the retrieval pack and the same formula
// roomserver/internal/partialstate/worker.go uses, generalized from a
// per-room retry count to a per-origin one and implementing
// roomserver/internal/input.BadEventLimiter directly.
package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

const (
	// minBackoff is the delay after an origin's first penalty.
	minBackoff = 1 * time.Second
	// maxBackoff caps how long an origin can be made to wait between
	// retries, matching partialstate.go's cap-the-exponent approach.
	maxBackoff = 1 * time.Hour
	// maxJitterMultiplier and minJitterMultiplier bound the jitter applied
	// to each backoff, matching partialstate.go's constants of the same
	// name and purpose (avoiding a thundering herd once many origins'
	// backoffs happen to expire together).
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
)

type originState struct {
	failures     uint32
	blockedUntil time.Time
}

// Limiter implements roomserver/internal/input.BadEventLimiter: a
// per-origin backoff tracked in memory, with no need for the raw
// map+mutex bookkeeping to survive a restart (an origin that misbehaves
// again after a restart is re-penalized from scratch, which is
// acceptable for a defense against a noisy/buggy peer).
type Limiter struct {
	mu    sync.Mutex
	state map[spec.ServerName]*originState

	// now is overridden by tests; nil means time.Now.
	now func() time.Time
}

// New constructs an empty Limiter: every origin is initially allowed.
func New() *Limiter {
	return &Limiter{state: map[spec.ServerName]*originState{}}
}

func (l *Limiter) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Allow reports whether origin may be asked for more missing events right
// now. retryAfter is true whenever ok is false, signalling the backoff is
// transient (Penalize never permanently blocks an origin, only lengthens
// the wait between retries).
func (l *Limiter) Allow(origin spec.ServerName) (ok bool, retryAfter bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, tracked := l.state[origin]
	if !tracked {
		return true, false
	}
	if l.clock().Before(st.blockedUntil) {
		return false, true
	}
	return true, false
}

// Penalize records that origin supplied a bad or missing event, putting it
// into (or extending) backoff before it may be asked for more.
func (l *Limiter) Penalize(origin spec.ServerName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, tracked := l.state[origin]
	if !tracked {
		st = &originState{}
		l.state[origin] = st
	}
	st.blockedUntil = l.clock().Add(backoffDuration(st.failures))
	st.failures++
}

// Reset clears origin's recorded failures, for callers that learn an
// origin has recovered (e.g. a subsequent transaction from it succeeds
// cleanly) without waiting out the remaining backoff.
func (l *Limiter) Reset(origin spec.ServerName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, origin)
}

// backoffDuration computes the jittered exponential backoff for the given
// failure count, identical in shape to partialstate.go's backoffDuration.
func backoffDuration(failures uint32) time.Duration {
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier
	backoff := float64(minBackoff) * math.Pow(2, float64(failures)) * jitter
	duration := time.Duration(backoff)
	if duration > maxBackoff {
		duration = maxBackoff
	}
	return duration
}
