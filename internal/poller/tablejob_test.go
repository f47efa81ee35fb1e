// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package poller

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
)

func openFixtureDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, updated_at INTEGER, status TEXT)`)
	require.NoError(t, err)
	return db
}

func TestCursorPollEmitsInsertsThenOnlyNewRow(t *testing.T) {
	db := openFixtureDB(t)
	defer db.Close()
	_, err := db.Exec(`INSERT INTO items VALUES (1, 1000, 'open'), (2, 2000, 'open')`)
	require.NoError(t, err)

	job := newTableJob(model.IngestTable{
		Table: "items", Query: "SELECT * FROM items", RowIDColumn: "id",
		Strategy: model.StrategyCursor, CursorColumn: "updated_at",
	}, model.TableCursor{})

	clock := hlc.New()
	deltas, err := job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	assert.Len(t, deltas, 2)
	for _, d := range deltas {
		assert.Equal(t, model.OpInsert, d.Op)
	}

	_, err = db.Exec(`INSERT INTO items VALUES (3, 3000, 'open')`)
	require.NoError(t, err)

	deltas, err = job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "3", deltas[0].RowID)
	assert.Equal(t, model.OpInsert, deltas[0].Op)
}

func TestCursorPollWithNoChangesEmitsNothing(t *testing.T) {
	db := openFixtureDB(t)
	defer db.Close()
	_, err := db.Exec(`INSERT INTO items VALUES (1, 1000, 'open')`)
	require.NoError(t, err)

	job := newTableJob(model.IngestTable{
		Table: "items", Query: "SELECT * FROM items", RowIDColumn: "id",
		Strategy: model.StrategyCursor, CursorColumn: "updated_at",
	}, model.TableCursor{})

	clock := hlc.New()
	_, err = job.poll(context.Background(), db, clock)
	require.NoError(t, err)

	deltas, err := job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestDiffPollDetectsInsertUpdateDelete(t *testing.T) {
	db := openFixtureDB(t)
	defer db.Close()
	_, err := db.Exec(`INSERT INTO items VALUES (1, 1000, 'open'), (2, 2000, 'open')`)
	require.NoError(t, err)

	job := newTableJob(model.IngestTable{
		Table: "items", Query: "SELECT * FROM items", RowIDColumn: "id",
		Strategy: model.StrategyDiff,
	}, model.TableCursor{})

	clock := hlc.New()
	deltas, err := job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	assert.Len(t, deltas, 2)

	_, err = db.Exec(`UPDATE items SET status = 'closed' WHERE id = 1`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM items WHERE id = 2`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO items VALUES (3, 3000, 'open')`)
	require.NoError(t, err)

	deltas, err = job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	require.Len(t, deltas, 3)

	ops := map[string]model.Op{}
	for _, d := range deltas {
		ops[d.RowID] = d.Op
	}
	assert.Equal(t, model.OpUpdate, ops["1"])
	assert.Equal(t, model.OpDelete, ops["2"])
	assert.Equal(t, model.OpInsert, ops["3"])
}

func TestDiffPollLargeSnapshotStillEmitsAllInserts(t *testing.T) {
	db := openFixtureDB(t)
	defer db.Close()

	const rowCount = snapshotRowWarnThreshold + 5
	for i := 1; i <= rowCount; i++ {
		_, err := db.Exec(`INSERT INTO items VALUES (?, ?, 'open')`, i, i*1000)
		require.NoError(t, err)
	}

	job := newTableJob(model.IngestTable{
		Table: "items", Query: "SELECT * FROM items", RowIDColumn: "id",
		Strategy: model.StrategyDiff,
	}, model.TableCursor{})

	clock := hlc.New()
	deltas, err := job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	assert.Len(t, deltas, rowCount)
}

func TestDiffPollIdenticalSnapshotEmitsNothing(t *testing.T) {
	db := openFixtureDB(t)
	defer db.Close()
	_, err := db.Exec(`INSERT INTO items VALUES (1, 1000, 'open')`)
	require.NoError(t, err)

	job := newTableJob(model.IngestTable{
		Table: "items", Query: "SELECT * FROM items", RowIDColumn: "id",
		Strategy: model.StrategyDiff,
	}, model.TableCursor{})

	clock := hlc.New()
	_, err = job.poll(context.Background(), db, clock)
	require.NoError(t, err)

	deltas, err := job.poll(context.Background(), db, clock)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}
