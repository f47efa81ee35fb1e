// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/model"
)

func TestMemoryStoreAppendLoadClear(t *testing.T) {
	store := NewMemoryStore()

	deltas := []model.RowDelta{
		{DeltaID: "d1", Table: "todos", RowID: "r1", ClientID: "c1", Op: model.OpInsert, HLC: 100},
		{DeltaID: "d2", Table: "todos", RowID: "r2", ClientID: "c1", Op: model.OpInsert, HLC: 101},
	}

	require.NoError(t, store.AppendBatch(deltas))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	require.NoError(t, store.Clear())
	loaded, err = store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMemoryStoreCursorUpsert(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.LoadCursor("conn-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveCursor("conn-1", []byte(`{"v":1}`)))
	require.NoError(t, store.SaveCursor("conn-1", []byte(`{"v":2}`)))

	blob, ok, err := store.LoadCursor("conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(blob))

	all, err := store.LoadAllCursors()
	require.NoError(t, err)
	assert.Contains(t, all, "conn-1")
}
