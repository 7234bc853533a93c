// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package txn implements §4.11's federation transaction ingestion:
// send_transaction(origin, txn_id, pdus, edus), with (origin, txn_id)
// dedupe, per-transaction PDU/EDU limits, per-room best-effort DAG
// ordering and mutual exclusion, concurrent room dispatch, and EDUs
// processed after all PDUs. Grounded on original_source's
// `api/server/send.rs` (the retrieval pack's federationapi/routing
// carries only transaction_validation_test.go, which names the API this
// package implements: ValidateTransactionLimits, PDU_LIMIT=50,
// EDU_LIMIT=100), adapted to this module's own
// `roomserver/internal/input.Inputer` in place of conduwuit's
// event_handler service.
package txn

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matrix-org/dendrite-core/roomserver/internal/input"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

// PDULimit and EDULimit are the per-transaction caps of §4.11, matching
// the teacher's transaction_validation_test.go (PDU_LIMIT=50, EDU_LIMIT=100).
const (
	PDULimit = 50
	EDULimit = 100
)

// inflightWait is how long a caller that finds a transaction already being
// processed waits for its result before being told to retry (§4.11).
const inflightWait = 50 * time.Second

// completedTTL is how long a finished transaction's response is cached so a
// retransmitted request is answered without reprocessing.
const completedTTL = 5 * time.Minute

// ErrStillProcessing is returned when a caller's wait for an in-progress
// duplicate transaction times out; the caller should report this to the
// peer as a retryable rate limit (M_LIMIT_EXCEEDED, no retry_after),
// prompting it to resend.
var ErrStillProcessing = errors.New("txn: transaction is still being processed")

// ErrTooManyPDUs and ErrTooManyEDUs report a transaction exceeding §4.11's
// limits; callers should reject the request (M_FORBIDDEN) without queuing
// it for dedupe, matching the teacher's rejection happening before
// start_federation_txn is ever called.
var (
	ErrTooManyPDUs = errors.New("txn: too many PDUs in transaction")
	ErrTooManyEDUs = errors.New("txn: too many EDUs in transaction")
)

// ValidateTransactionLimits enforces §4.11's per-transaction PDU/EDU caps.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > PDULimit {
		return ErrTooManyPDUs
	}
	if eduCount > EDULimit {
		return ErrTooManyEDUs
	}
	return nil
}

// PDUProcessor is the subset of the roomserver's incoming-event pipeline a
// transaction hands each PDU to.
type PDUProcessor interface {
	ProcessInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (*input.Result, error)
}

// PDUResult is one PDU's outcome within a transaction response, mirroring
// the federation API's per-event error reporting.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// Response is send_transaction's result: one outcome per submitted PDU,
// keyed by event ID.
type Response struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

type dedupeKey struct {
	origin spec.ServerName
	txnID  string
}

type inflightEntry struct {
	done chan struct{}
	resp *Response
	err  error
}

// Processor runs §4.11's transaction ingestion. Construct with New; the
// EDU sink fields may be left nil to drop EDUs of that kind silently, and a
// nil ACL or Membership skips that check, matching how this module treats
// other optional dependencies (e.g. input.Inputer.Policy).
type Processor struct {
	PDUs PDUProcessor

	ACL         ACLChecker
	Membership  RoomPresence
	Presence    PresenceSink
	Receipts    ReceiptSink
	Typing      TypingSink
	DeviceLists DeviceListSink
	ToDevice    DirectToDeviceSink
	SigningKeys SigningKeySink

	mu       sync.Mutex
	inflight map[dedupeKey]*inflightEntry
	done     *cache.Cache

	roomMu     sync.Mutex
	roomLocks  map[string]*sync.Mutex
	toDeviceMu sync.Mutex
	toDevice   *cache.Cache
}

// New constructs a Processor that hands accepted PDUs to pdus.
func New(pdus PDUProcessor) *Processor {
	return &Processor{
		PDUs:      pdus,
		inflight:  map[dedupeKey]*inflightEntry{},
		done:      cache.New(completedTTL, completedTTL*2),
		roomLocks: map[string]*sync.Mutex{},
		toDevice:  cache.New(completedTTL, completedTTL*2),
	}
}

// SendTransaction is the send_transaction(origin, txn_id, pdus, edus) entry
// point of §4.11.
func (p *Processor) SendTransaction(ctx context.Context, origin spec.ServerName, txnID string, pdus []json.RawMessage, edus []EDU) (*Response, error) {
	key := dedupeKey{origin: origin, txnID: txnID}

	if cached, ok := p.done.Get(cacheKey(key)); ok {
		resp := cached.(*Response)
		return resp, nil
	}

	p.mu.Lock()
	if entry, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return p.awaitInflight(ctx, entry)
	}
	entry := &inflightEntry{done: make(chan struct{})}
	p.inflight[key] = entry
	p.mu.Unlock()

	resp, err := p.run(ctx, origin, pdus, edus)

	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()

	entry.resp, entry.err = resp, err
	close(entry.done)

	if err == nil {
		p.done.Set(cacheKey(key), resp, cache.DefaultExpiration)
	}
	return resp, err
}

func (p *Processor) run(ctx context.Context, origin spec.ServerName, pdus []json.RawMessage, edus []EDU) (*Response, error) {
	if err := ValidateTransactionLimits(len(pdus), len(edus)); err != nil {
		return nil, err
	}

	resp := &Response{PDUs: make(map[string]PDUResult, len(pdus))}

	byRoom := p.groupByRoom(pdus)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for roomID, events := range byRoom {
		roomID, events := roomID, events
		g.Go(func() error {
			results := p.processRoom(gctx, origin, roomID, events)
			mu.Lock()
			for id, r := range results {
				resp.PDUs[id] = r
			}
			mu.Unlock()
			return nil
		})
	}
	// Room groups never return an error (ProcessInboundEvent failures are
	// recorded per-event in resp.PDUs), so this can't fail — but the check
	// is cheap and keeps the errgroup idiom honest for future callers that
	// do return one.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// §4.11: EDUs are processed only after every PDU group has finished.
	p.processEDUs(ctx, origin, edus)

	return resp, nil
}

func (p *Processor) awaitInflight(ctx context.Context, entry *inflightEntry) (*Response, error) {
	select {
	case <-entry.done:
		return entry.resp, entry.err
	case <-time.After(inflightWait):
		return nil, ErrStillProcessing
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cacheKey(k dedupeKey) string {
	return string(k.origin) + "\x00" + k.txnID
}

// groupByRoom parses each PDU far enough to learn its room ID, dropping (and
// logging) any that fail to parse, matching the teacher's
// inspect_err/filter_map handling of unparseable PDUs in a transaction.
func (p *Processor) groupByRoom(raws []json.RawMessage) map[string][]*pdu.PDU {
	byRoom := map[string][]*pdu.PDU{}
	for _, raw := range raws {
		event, err := pdu.ParsePDU(raw)
		if err != nil {
			logrus.WithError(err).Warn("txn: dropping unparseable PDU in transaction")
			continue
		}
		byRoom[event.RoomID] = append(byRoom[event.RoomID], event)
	}
	return byRoom
}

// processRoom runs one room's PDUs sequentially under that room's
// federation mutex, in best-effort prev_events order, recording each
// event's outcome.
func (p *Processor) processRoom(ctx context.Context, origin spec.ServerName, roomID string, events []*pdu.PDU) map[string]PDUResult {
	lock := p.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	results := make(map[string]PDUResult, len(events))
	for _, event := range topoSortByPrevEvents(events) {
		res, err := p.PDUs.ProcessInboundEvent(ctx, origin, event.Raw())
		switch {
		case err != nil:
			results[event.EventID] = PDUResult{Error: err.Error()}
		case res.Rejected:
			results[event.EventID] = PDUResult{Error: res.Reason}
		default:
			results[event.EventID] = PDUResult{}
		}
	}
	return results
}

func (p *Processor) roomLock(roomID string) *sync.Mutex {
	p.roomMu.Lock()
	defer p.roomMu.Unlock()
	lock, ok := p.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		p.roomLocks[roomID] = lock
	}
	return lock
}

// topoHeap breaks Kahn's-algorithm ties by (origin_server_ts, event_id),
// the same tie-break convention as stateres.topoSort's readyHeap.
type topoHeap []*pdu.PDU

func (h topoHeap) Len() int { return len(h) }
func (h topoHeap) Less(i, j int) bool {
	if h[i].OriginServerTS != h[j].OriginServerTS {
		return h[i].OriginServerTS < h[j].OriginServerTS
	}
	return h[i].EventID < h[j].EventID
}
func (h topoHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *topoHeap) Push(x interface{}) { *h = append(*h, x.(*pdu.PDU)) }
func (h *topoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topoSortByPrevEvents builds a best-effort local DAG out of events' declared
// prev_events and returns them in topological (ancestors-first) order,
// falling back to ts/event_id order for anything left over once no more
// zero-dependency events remain (a cycle, which an honest server never
// produces but a malicious one might). Grounded on original_source's
// build_local_dag/lexicographical_topological_sort and this module's own
// stateres.topoSort, adapted from auth_events/reverse order to prev_events/
// forward order. It is, as the teacher's comment says, the sender's
// responsibility to send events in a processable order; this is best effort.
func topoSortByPrevEvents(events []*pdu.PDU) []*pdu.PDU {
	if len(events) < 2 {
		return events
	}

	inBatch := make(map[string]*pdu.PDU, len(events))
	for _, ev := range events {
		inBatch[ev.EventID] = ev
	}

	children := map[string][]*pdu.PDU{}
	inDegree := map[string]int{}
	for _, ev := range events {
		inDegree[ev.EventID] = 0
	}
	for _, ev := range events {
		for _, prevID := range ev.PrevEvents {
			if _, ok := inBatch[prevID]; ok {
				inDegree[ev.EventID]++
				children[prevID] = append(children[prevID], ev)
			}
		}
	}

	ready := &topoHeap{}
	heap.Init(ready)
	remaining := map[string]*pdu.PDU{}
	for id, ev := range inBatch {
		remaining[id] = ev
	}
	for id, count := range inDegree {
		if count == 0 {
			heap.Push(ready, inBatch[id])
			delete(remaining, id)
		}
	}

	sorted := make([]*pdu.PDU, 0, len(events))
	for ready.Len() > 0 {
		ev := heap.Pop(ready).(*pdu.PDU)
		sorted = append(sorted, ev)
		for _, child := range children[ev.EventID] {
			inDegree[child.EventID]--
			if inDegree[child.EventID] == 0 {
				if _, ok := remaining[child.EventID]; ok {
					heap.Push(ready, child)
					delete(remaining, child.EventID)
				}
			}
		}
	}

	if len(remaining) > 0 {
		// A cycle: append what's left in deterministic order rather than
		// dropping it.
		leftover := make(topoHeap, 0, len(remaining))
		for _, ev := range remaining {
			leftover = append(leftover, ev)
		}
		heap.Init(&leftover)
		for leftover.Len() > 0 {
			sorted = append(sorted, heap.Pop(&leftover).(*pdu.PDU))
		}
	}
	return sorted
}
