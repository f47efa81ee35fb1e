// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireFlushLockOnlyOneWinner(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	a := New("gw-1", NewStoreLocker(db, "instance-a"), nil, Eventual)
	b := New("gw-1", NewStoreLocker(db, "instance-b"), nil, Eventual)

	gotA, err := a.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)
	gotB, err := b.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)

	assert.True(t, gotA)
	assert.False(t, gotB)
}

func TestReleaseFlushLockLetsAnotherInstanceAcquire(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	a := New("gw-1", NewStoreLocker(db, "instance-a"), nil, Eventual)
	b := New("gw-1", NewStoreLocker(db, "instance-b"), nil, Eventual)

	ok, err := a.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.ReleaseFlushLock(context.Background()))

	ok, err = b.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlushLockKeyScopedByGatewayID(t *testing.T) {
	db := openLockDB(t)
	defer db.Close()

	gw1 := New("gw-1", NewStoreLocker(db, "instance-a"), nil, Eventual)
	gw2 := New("gw-2", NewStoreLocker(db, "instance-a"), nil, Eventual)

	ok, err := gw1.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// A different gatewayId's flush lock is independent, even from the
	// same locker/holder.
	ok, err = gw2.TryAcquireFlushLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
