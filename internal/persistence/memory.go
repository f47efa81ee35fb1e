// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package persistence

import (
	"sync"

	"github.com/lakesync/gateway/internal/model"
)

// MemoryStore is an in-process, non-durable Store: tests and ephemeral
// single-node deployments that accept losing unflushed deltas on crash.
type MemoryStore struct {
	mu      sync.Mutex
	wal     []model.RowDelta
	cursors map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string][]byte)}
}

func (m *MemoryStore) AppendBatch(deltas []model.RowDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wal = append(m.wal, deltas...)
	return nil
}

func (m *MemoryStore) LoadAll() ([]model.RowDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RowDelta, len(m.wal))
	copy(out, m.wal)
	return out, nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wal = nil
	return nil
}

func (m *MemoryStore) Remove(deltaIds map[string]struct{}) error {
	if len(deltaIds) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.wal[:0]
	for _, d := range m.wal {
		if _, gone := deltaIds[d.DeltaID]; gone {
			continue
		}
		kept = append(kept, d)
	}
	m.wal = kept
	return nil
}

func (m *MemoryStore) SaveCursor(connectorName string, cursorJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(cursorJSON))
	copy(buf, cursorJSON)
	m.cursors[connectorName] = buf
	return nil
}

func (m *MemoryStore) LoadCursor(connectorName string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[connectorName]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(c))
	copy(out, c)
	return out, true, nil
}

func (m *MemoryStore) LoadAllCursors() (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.cursors))
	for k, v := range m.cursors {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
