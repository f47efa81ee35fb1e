// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/pkg/hlc"
)

func newTestBuffer() *Buffer {
	return New(hlc.New(), persistence.NewMemoryStore(), Limits{MaxBytes: 1 << 20, MaxAge: 0})
}

func TestAppendDeduplicatesByDeltaID(t *testing.T) {
	b := newTestBuffer()
	d := model.RowDelta{DeltaID: "d1", Table: "todos", RowID: "r1", ClientID: "c1", Op: model.OpInsert, HLC: 100}

	res, err := b.Append([]model.RowDelta{d})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedDeltas)

	res, err = b.Append([]model.RowDelta{d})
	require.NoError(t, err)
	assert.Equal(t, 0, res.AcceptedDeltas)

	assert.Equal(t, 1, b.Stats().LogSize)
}

func TestQuerySinceOrdersByHLCAscending(t *testing.T) {
	b := newTestBuffer()
	d1 := model.RowDelta{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: hlc.Encode(100, 1)}
	d2 := model.RowDelta{DeltaID: "d2", Table: "todos", RowID: "r2", Op: model.OpInsert, HLC: hlc.Encode(100, 0)}

	_, err := b.Append([]model.RowDelta{d1, d2})
	require.NoError(t, err)

	out, hasMore := b.QuerySince(0, 0, nil)
	require.Len(t, out, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "d2", out[0].DeltaID)
	assert.Equal(t, "d1", out[1].DeltaID)
}

func TestQuerySinceAppliesFilterBeforeLimit(t *testing.T) {
	b := newTestBuffer()
	deltas := []model.RowDelta{
		{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: 1},
		{DeltaID: "d2", Table: "secrets", RowID: "r2", Op: model.OpInsert, HLC: 2},
		{DeltaID: "d3", Table: "todos", RowID: "r3", Op: model.OpInsert, HLC: 3},
	}
	_, err := b.Append(deltas)
	require.NoError(t, err)

	onlyTodos := func(d model.RowDelta) bool { return d.Table == "todos" }
	out, hasMore := b.QuerySince(0, 1, onlyTodos)
	require.Len(t, out, 1)
	assert.True(t, hasMore)
	assert.Equal(t, "d1", out[0].DeltaID)
}

func TestFlushClearsBufferOnSuccess(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Append([]model.RowDelta{{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: 1}})
	require.NoError(t, err)

	var written []model.RowDelta
	err = b.Flush(func(batch []model.RowDelta) error {
		written = batch
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, written, 1)
	assert.Equal(t, 0, b.Stats().LogSize)
}

func TestFlushLeavesBufferIntactOnFailure(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Append([]model.RowDelta{{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: 1}})
	require.NoError(t, err)

	err = b.Flush(func(batch []model.RowDelta) error {
		return errors.New("adapter unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 1, b.Stats().LogSize)
}

// TestFlushKeepsDeltasAppendedDuringWrite covers the suspension point in
// Flush: the buffer lock is released while write runs, so an Append
// landing in that window must survive the post-write clear.
func TestFlushKeepsDeltasAppendedDuringWrite(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Append([]model.RowDelta{{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: 1}})
	require.NoError(t, err)

	err = b.Flush(func(batch []model.RowDelta) error {
		_, appendErr := b.Append([]model.RowDelta{{DeltaID: "d2", Table: "todos", RowID: "r2", Op: model.OpInsert, HLC: 2}})
		return appendErr
	})
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 1, stats.LogSize)

	out, _ := b.QuerySince(0, 0, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "d2", out[0].DeltaID)

	// d1 must not be re-admitted by a retried push: it stays deduplicated
	// even though it's gone from the log.
	res, err := b.Append([]model.RowDelta{{DeltaID: "d1", Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.AcceptedDeltas)
}
