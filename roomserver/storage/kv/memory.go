// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process, mutex-guarded Store. It is the only Store
// implementation in this repository and is exercised directly by its
// tests (no sqlmock needed, matching how cache_ristretto_test.go exercises
// the real ristretto cache rather than a fake).
type Memory struct {
	mu    sync.Mutex
	cfs   map[ColumnFamily]map[string][]byte
	inTxn bool
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{cfs: make(map[ColumnFamily]map[string][]byte)}
}

func (m *Memory) cf(name ColumnFamily) map[string][]byte {
	c, ok := m.cfs[name]
	if !ok {
		c = make(map[string][]byte)
		m.cfs[name] = c
	}
	return c
}

func (m *Memory) Get(_ context.Context, cf ColumnFamily, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cf(cf)[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, cf ColumnFamily, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.cf(cf)[string(key)] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, cf ColumnFamily, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cf(cf), string(key))
	return nil
}

func (m *Memory) Iterate(_ context.Context, cf ColumnFamily, start, end []byte, fn func(key, value []byte) (bool, error)) error {
	m.mu.Lock()
	table := m.cf(cf)
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type kvPair struct{ k, v []byte }
	var snapshot []kvPair
	for _, k := range keys {
		kb := []byte(k)
		if !BytesBetween(kb, start, end) {
			continue
		}
		snapshot = append(snapshot, kvPair{kb, table[k]})
	}
	m.mu.Unlock()

	for _, pair := range snapshot {
		more, err := fn(pair.k, pair.v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// WithTxn runs fn directly. It holds no lock across fn, so other callers'
// reads and writes may interleave with fn's, and writes fn made before
// returning an error are not rolled back: this backend does not provide
// the isolation or all-or-nothing behaviour described on Store.WithTxn.
// Each individual Get, Put, Delete or Iterate is still atomic, and nested
// calls simply run inline.
func (m *Memory) WithTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ Store = (*Memory)(nil)

// KeysWithPrefix returns every key in cf beginning with prefix, in order.
// Convenience used by short-ID reverse lookups and prefix-scoped indices.
func KeysWithPrefix(ctx context.Context, s Store, cf ColumnFamily, prefix []byte) ([][]byte, error) {
	var out [][]byte
	end := PrefixUpperBound(prefix)
	err := s.Iterate(ctx, cf, prefix, end, func(key, _ []byte) (bool, error) {
		out = append(out, key)
		return true, nil
	})
	return out, err
}

// PrefixUpperBound returns the exclusive end key for an Iterate scan over
// every key beginning with prefix, for callers building their own
// prefix-scoped scan instead of going through KeysWithPrefix.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded
}
