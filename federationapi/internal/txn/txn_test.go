// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package txn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/roomserver/internal/input"
	"github.com/matrix-org/dendrite-core/roomserver/pdu"
)

func TestValidateTransactionLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		pduCount  int
		eduCount  int
		shouldErr error
	}{
		{name: "zero PDUs and EDUs", pduCount: 0, eduCount: 0},
		{name: "max PDUs and max EDUs", pduCount: PDULimit, eduCount: EDULimit},
		{name: "one over max PDUs", pduCount: PDULimit + 1, eduCount: 0, shouldErr: ErrTooManyPDUs},
		{name: "one over max EDUs", pduCount: 0, eduCount: EDULimit + 1, shouldErr: ErrTooManyEDUs},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTransactionLimits(tt.pduCount, tt.eduCount)
			if tt.shouldErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.shouldErr)
			}
		})
	}
}

// recordingPDUProcessor records which events it was asked to process, in
// call order, and always accepts.
type recordingPDUProcessor struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingPDUProcessor) ProcessInboundEvent(_ context.Context, _ spec.ServerName, raw []byte) (*input.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var event struct {
		EventID string `json:"event_id"`
	}
	_ = json.Unmarshal(raw, &event)
	r.seen = append(r.seen, event.EventID)
	return &input.Result{Accepted: true}, nil
}

func (r *recordingPDUProcessor) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func rawPDU(t *testing.T, eventID, roomID string, prevEvents []string, ts int64) json.RawMessage {
	t.Helper()
	body := map[string]interface{}{
		"event_id":         eventID,
		"room_id":          roomID,
		"type":             "m.room.message",
		"sender":           "@alice:example.com",
		"origin_server_ts": ts,
		"content":          map[string]interface{}{},
		"prev_events":      prevEvents,
		"auth_events":      []string{},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestSendTransactionProcessesPDUsInDependencyOrder(t *testing.T) {
	proc := &recordingPDUProcessor{}
	p := New(proc)

	pdus := []json.RawMessage{
		rawPDU(t, "$c", "!r:example.com", []string{"$b"}, 3),
		rawPDU(t, "$a", "!r:example.com", nil, 1),
		rawPDU(t, "$b", "!r:example.com", []string{"$a"}, 2),
	}

	resp, err := p.SendTransaction(context.Background(), "example.com", "txn1", pdus, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"$a", "$b", "$c"}, proc.calls())
	assert.Len(t, resp.PDUs, 3)
}

func TestSendTransactionDedupesCompletedResponse(t *testing.T) {
	proc := &recordingPDUProcessor{}
	p := New(proc)
	ctx := context.Background()
	pdus := []json.RawMessage{rawPDU(t, "$a", "!r:example.com", nil, 1)}

	first, err := p.SendTransaction(ctx, "example.com", "txn1", pdus, nil)
	require.NoError(t, err)

	second, err := p.SendTransaction(ctx, "example.com", "txn1", pdus, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, proc.calls(), 1, "dedupe must not reprocess")
}

func TestSendTransactionRejectsOverLimit(t *testing.T) {
	proc := &recordingPDUProcessor{}
	p := New(proc)
	pdus := make([]json.RawMessage, PDULimit+1)
	for i := range pdus {
		pdus[i] = rawPDU(t, "$x", "!r:example.com", nil, 1)
	}

	_, err := p.SendTransaction(context.Background(), "example.com", "txn1", pdus, nil)
	assert.ErrorIs(t, err, ErrTooManyPDUs)
}

// blockingPDUProcessor blocks the first call until released, so a second
// concurrent SendTransaction for the same (origin, txn_id) can observe the
// in-flight wait path.
type blockingPDUProcessor struct {
	release chan struct{}
}

func (b *blockingPDUProcessor) ProcessInboundEvent(_ context.Context, _ spec.ServerName, _ []byte) (*input.Result, error) {
	<-b.release
	return &input.Result{Accepted: true}, nil
}

func TestSendTransactionJoinsInFlightDuplicate(t *testing.T) {
	proc := &blockingPDUProcessor{release: make(chan struct{})}
	p := New(proc)
	pdus := []json.RawMessage{rawPDU(t, "$a", "!r:example.com", nil, 1)}

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.SendTransaction(context.Background(), "example.com", "shared-txn", pdus, nil)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(proc.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
}

func TestGroupByRoomDropsUnparseablePDUs(t *testing.T) {
	p := New(&recordingPDUProcessor{})
	byRoom := p.groupByRoom([]json.RawMessage{
		rawPDU(t, "$a", "!r:example.com", nil, 1),
		json.RawMessage(`not json`),
	})
	assert.Len(t, byRoom["!r:example.com"], 1)
	assert.Len(t, byRoom, 1)
}

func TestTopoSortByPrevEventsHandlesCycleWithoutDropping(t *testing.T) {
	a, err := pdu.ParsePDU(rawPDU(t, "$a", "!r:example.com", []string{"$b"}, 1))
	require.NoError(t, err)
	b, err := pdu.ParsePDU(rawPDU(t, "$b", "!r:example.com", []string{"$a"}, 2))
	require.NoError(t, err)

	sorted := topoSortByPrevEvents([]*pdu.PDU{a, b})
	assert.Len(t, sorted, 2)
}
