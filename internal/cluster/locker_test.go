// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLockDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE distributed_locks (
		lock_key TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func TestStoreLockerOnlyOneWinner(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	a := NewStoreLocker(db, "instance-a")
	b := NewStoreLocker(db, "instance-b")

	gotA, err := a.Acquire(context.Background(), "flush:gw-1", time.Minute)
	require.NoError(t, err)
	gotB, err := b.Acquire(context.Background(), "flush:gw-1", time.Minute)
	require.NoError(t, err)

	assert.True(t, gotA)
	assert.False(t, gotB)
}

func TestStoreLockerReacquireAfterRelease(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	a := NewStoreLocker(db, "instance-a")
	b := NewStoreLocker(db, "instance-b")

	ok, err := a.Acquire(context.Background(), "flush:gw-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(context.Background(), "flush:gw-1"))

	ok, err = b.Acquire(context.Background(), "flush:gw-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreLockerReacquireAfterExpiry(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	a := NewStoreLocker(db, "instance-a")
	b := NewStoreLocker(db, "instance-b")

	ok, err := a.Acquire(context.Background(), "flush:gw-1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(context.Background(), "flush:gw-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
