// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package partialstate

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/roomserver/internal/eventstore"
	"github.com/matrix-org/dendrite-core/roomserver/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/internal/statecompress"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
	"github.com/matrix-org/dendrite-core/roomserver/types"
)

const (
	workerCount = 4
	minBackoff  = time.Minute
	maxBackoff  = time.Hour
	maxRetries  = 16
	// jitter bounds for backoff, to avoid every stalled room in a batch
	// retrying on the exact same tick.
	maxJitterMultiplier = 1.4
	minJitterMultiplier = 0.8
)

// Federation is the subset of federation client behaviour a resync needs:
// the full state at the room's current latest events, and individual
// events to fill in anything /state_ids names that isn't stored yet.
type Federation interface {
	StateIDs(ctx context.Context, origin spec.ServerName, roomID, eventID string) (stateEventIDs, authEventIDs []string, err error)
	Event(ctx context.Context, origin spec.ServerName, roomVersion, eventID string) (*pdu.PDU, error)
}

// KeyVerifier checks a fetched PDU's signatures, matching the capability
// every other ingest-adjacent package in roomserver consumes.
type KeyVerifier interface {
	VerifyEventSignatures(ctx context.Context, event *pdu.PDU, roomVersion string) error
}

// RoomInfoStore is the room bookkeeping the resync worker reads and
// updates: which rooms are partial-state, which servers to ask, and the
// room's version and current state snapshot.
type RoomInfoStore interface {
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, bool, error)
	ClearPartialState(ctx context.Context, roomID string) error
	AllPartialStateRooms(ctx context.Context) ([]string, error)
	LatestEvents(ctx context.Context, roomID string) ([]string, error)
	SetStateSnapshot(ctx context.Context, roomID string, snapshot types.ShortStateHash) error
	SetEventStateSnapshot(ctx context.Context, eventID string, snapshot types.ShortStateHash) error
}

// DefaultAwaitTimeout bounds how long AwaitFullStateWithTimeout blocks.
const DefaultAwaitTimeout = 5 * time.Minute

type retryInfo struct {
	retryAt    time.Time
	retryCount uint32
}

// Worker runs the MSC3706 background resync: a bounded pool of goroutines
// drains a work queue of partial-state rooms, fetching and storing their
// full state from the servers recorded at join time, with jittered
// exponential backoff on failure up to maxRetries before giving up on a
// room until the next process restart requeues it. Worker is also the
// read-side gate a non-critical caller (e.g. a client request that needs
// the full member list) blocks on via AwaitFullState instead of racing the
// resync: the retry bookkeeping and the waiter bookkeeping share roomID
// keys and a mutex, since both describe the same room's resync progress.
type Worker struct {
	Store           *eventstore.Store
	Short           *shortid.Catalog
	Compressor      *statecompress.Compressor
	Rooms           RoomInfoStore
	Federation      Federation
	Keys            KeyVerifier
	LocalServerName spec.ServerName

	workCh chan string

	mu        sync.Mutex
	retries   map[string]*retryInfo
	observers map[string][]chan struct{}
}

// NewWorker constructs a Worker; call Start to begin processing.
func NewWorker(store *eventstore.Store, short *shortid.Catalog, compressor *statecompress.Compressor, rooms RoomInfoStore, federation Federation, keys KeyVerifier, localServerName spec.ServerName) *Worker {
	return &Worker{
		Store:           store,
		Short:           short,
		Compressor:      compressor,
		Rooms:           rooms,
		Federation:      federation,
		Keys:            keys,
		LocalServerName: localServerName,
		workCh:          make(chan string, 100),
		retries:         make(map[string]*retryInfo),
		observers:       make(map[string][]chan struct{}),
	}
}

// AwaitFullState blocks until NotifyUnPartialStated is called for roomID or
// ctx is cancelled. It does not consult the room's partial-state flag, so
// for a room that is never resynced it waits until ctx ends.
func (w *Worker) AwaitFullState(ctx context.Context, roomID string) error {
	ch := make(chan struct{})

	w.mu.Lock()
	w.observers[roomID] = append(w.observers[roomID], ch)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		observers := w.observers[roomID]
		for i, observer := range observers {
			if observer == ch {
				w.observers[roomID] = append(observers[:i], observers[i+1:]...)
				break
			}
		}
		if len(w.observers[roomID]) == 0 {
			delete(w.observers, roomID)
		}
	}()

	logrus.WithField("room_id", roomID).Debug("partialstate: awaiting full state")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// AwaitFullStateWithTimeout is AwaitFullState bounded by timeout.
func (w *Worker) AwaitFullStateWithTimeout(ctx context.Context, roomID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.AwaitFullState(ctx, roomID)
}

// NotifyUnPartialStated wakes every caller blocked in AwaitFullState for
// roomID, called once resyncRoom clears a room's partial-state flag.
func (w *Worker) NotifyUnPartialStated(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	observers, ok := w.observers[roomID]
	if !ok || len(observers) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"room_id":        roomID,
		"observer_count": len(observers),
	}).Debug("partialstate: notifying observers room has full state")
	for _, ch := range observers {
		close(ch)
	}
	delete(w.observers, roomID)
}

// PendingRoomCount returns the number of rooms with at least one observer
// waiting on AwaitFullState.
func (w *Worker) PendingRoomCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.observers)
}

// HasObservers reports whether any caller is currently waiting on roomID.
func (w *Worker) HasObservers(roomID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.observers[roomID]) > 0
}

// Start launches the worker pool and the retry ticker, and queues every
// room already on record as partial-state (e.g. left over from a prior
// process that exited mid-resync), staggered to avoid a startup thundering
// herd against the rooms' resident servers.
func (w *Worker) Start(ctx context.Context) error {
	for i := 0; i < workerCount; i++ {
		go w.run(ctx, i)
	}
	go w.retryLoop(ctx)

	roomIDs, err := w.Rooms.AllPartialStateRooms(ctx)
	if err != nil {
		return err
	}
	if len(roomIDs) == 0 {
		return nil
	}
	logrus.WithField("count", len(roomIDs)).Info("partialstate: queuing rooms for background resync")
	offset := 5 * time.Second
	step := time.Second
	if n := len(roomIDs); n > 60 {
		step = (60 * time.Second) / time.Duration(n)
	}
	for _, roomID := range roomIDs {
		roomID := roomID
		time.AfterFunc(offset, func() { w.QueueRoom(roomID) })
		offset += step
	}
	return nil
}

// QueueRoom enqueues roomID for resync, deferring to the retry map instead
// of blocking if the work channel is currently full.
func (w *Worker) QueueRoom(roomID string) {
	select {
	case w.workCh <- roomID:
	default:
		w.mu.Lock()
		if _, exists := w.retries[roomID]; !exists {
			w.retries[roomID] = &retryInfo{retryAt: time.Now().Add(30 * time.Second)}
		}
		w.mu.Unlock()
	}
}

func (w *Worker) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case roomID, ok := <-w.workCh:
			if !ok {
				return
			}
			w.attempt(ctx, id, roomID)
		}
	}
}

func (w *Worker) attempt(ctx context.Context, workerID int, roomID string) {
	if err := w.resyncRoom(ctx, roomID); err != nil {
		w.mu.Lock()
		info, exists := w.retries[roomID]
		if !exists {
			info = &retryInfo{}
		}
		info.retryCount++
		logger := logrus.WithFields(logrus.Fields{"room_id": roomID, "worker_id": workerID, "retry_count": info.retryCount})
		if info.retryCount >= maxRetries {
			logger.WithError(err).Error("partialstate: giving up on resync after max retries")
			delete(w.retries, roomID)
			w.mu.Unlock()
			return
		}
		backoff := w.backoffDuration(info.retryCount)
		info.retryAt = time.Now().Add(backoff)
		w.retries[roomID] = info
		w.mu.Unlock()
		logger.WithError(err).WithField("retry_in", backoff).Warn("partialstate: resync failed, will retry")
		return
	}
	w.mu.Lock()
	delete(w.retries, roomID)
	w.mu.Unlock()
}

func (w *Worker) backoffDuration(retryCount uint32) time.Duration {
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier
	backoff := float64(minBackoff) * math.Pow(2, float64(retryCount)) * jitter
	d := time.Duration(backoff)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (w *Worker) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			now := time.Now()
			var due []string
			for roomID, info := range w.retries {
				if now.After(info.retryAt) {
					due = append(due, roomID)
				}
			}
			w.mu.Unlock()
			for _, roomID := range due {
				select {
				case w.workCh <- roomID:
				default:
				}
			}
		}
	}
}

// resyncRoom implements the core of MSC3706's background resync: fetch the
// full state at the room's current latest events from its recorded
// servers, store any events not already known as outliers, materialize a
// fresh current-state snapshot from the result, and clear the partial-state
// flag.
func (w *Worker) resyncRoom(ctx context.Context, roomID string) error {
	info, ok, err := w.Rooms.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok || !info.IsPartialState {
		return nil
	}
	if len(info.PartialStateServers) == 0 {
		logrus.WithField("room_id", roomID).Warn("partialstate: no servers recorded for resync")
		return nil
	}
	latest, err := w.Rooms.LatestEvents(ctx, roomID)
	if err != nil {
		return err
	}
	if len(latest) == 0 {
		return nil
	}

	var lastErr error
	for _, server := range info.PartialStateServers {
		if spec.ServerName(server) == w.LocalServerName {
			continue
		}
		if err := w.resyncFromServer(ctx, info, spec.ServerName(server), latest[0]); err != nil {
			lastErr = err
			continue
		}
		if err := w.Rooms.ClearPartialState(ctx, roomID); err != nil {
			return err
		}
		w.NotifyUnPartialStated(roomID)
		logrus.WithFields(logrus.Fields{"room_id": roomID, "server": server}).Info("partialstate: resync complete")
		return nil
	}
	if lastErr == nil {
		lastErr = errNoServerSucceeded
	}
	return lastErr
}

func (w *Worker) resyncFromServer(ctx context.Context, info *types.RoomInfo, server spec.ServerName, atEventID string) error {
	stateIDs, authIDs, err := w.Federation.StateIDs(ctx, server, info.RoomID, atEventID)
	if err != nil {
		return err
	}
	entries := make([]types.StateEntry, 0, len(stateIDs))
	for _, id := range authIDs {
		if _, err := w.ensureEvent(ctx, server, info.RoomVersion, id); err != nil {
			return err
		}
	}
	for _, id := range stateIDs {
		ev, err := w.ensureEvent(ctx, server, info.RoomVersion, id)
		if err != nil {
			return err
		}
		if ev == nil || !ev.IsState() {
			continue
		}
		sk, err := w.Short.GetOrCreateShortStateKey(ctx, ev.Type, *ev.StateKey)
		if err != nil {
			return err
		}
		sid, err := w.Short.GetOrCreateShortEventID(ctx, ev.EventID)
		if err != nil {
			return err
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey},
			ShortStateKey: sk,
			EventID:       sid,
		})
	}
	hash, err := w.Compressor.MaterializeRoot(ctx, entries)
	if err != nil {
		return err
	}
	if err := w.Rooms.SetStateSnapshot(ctx, info.RoomID, hash); err != nil {
		return err
	}
	for _, id := range stateIDs {
		if err := w.Rooms.SetEventStateSnapshot(ctx, id, hash); err != nil {
			return err
		}
	}
	return nil
}

// ensureEvent returns the parsed, signature-verified PDU for eventID,
// fetching and storing it as an outlier from server if it isn't already
// known locally.
func (w *Worker) ensureEvent(ctx context.Context, server spec.ServerName, roomVersion, eventID string) (*pdu.PDU, error) {
	if stored, ok, err := w.Store.EventByID(ctx, eventID); err != nil {
		return nil, err
	} else if ok {
		return pdu.ParsePDU(stored.Raw)
	}
	ev, err := w.Federation.Event(ctx, server, roomVersion, eventID)
	if err != nil {
		return nil, err
	}
	if err := w.Keys.VerifyEventSignatures(ctx, ev, roomVersion); err != nil {
		logrus.WithField("event_id", eventID).WithError(err).Warn("partialstate: dropping fetched event with bad signature")
		return nil, nil
	}
	if _, err := w.Store.StorePDU(ctx, ev, true, false); err != nil {
		return nil, err
	}
	return ev, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNoServerSucceeded = errString("partialstate: no server could resync this room's state")
