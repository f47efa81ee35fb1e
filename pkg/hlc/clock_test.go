// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := Encode(1_700_000_000_000, 42)
	wallMs, counter := ts.Decode()
	assert.Equal(t, uint64(1_700_000_000_000), wallMs)
	assert.Equal(t, uint16(42), counter)
	assert.Equal(t, uint64(1_700_000_000_000), ts.Wall())
}

func TestCompare(t *testing.T) {
	a := Encode(100, 0)
	b := Encode(100, 1)
	c := Encode(101, 0)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
}

func TestNowStrictlyIncreasing(t *testing.T) {
	clock := New()
	fixed := uint64(1_000)
	clock.nowMs = func() uint64 { return fixed }

	prev, err := clock.Now()
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		next, err := clock.Now()
		require.NoError(t, err)
		assert.Equal(t, 1, next.Compare(prev), "timestamp %d did not increase over %d", next, prev)
		prev = next
	}
}

func TestNowAdvancesWallOnCounterSaturation(t *testing.T) {
	clock := New()
	fixed := uint64(5_000)
	clock.nowMs = func() uint64 { return fixed }

	var last Timestamp
	for i := 0; i <= counterMax; i++ {
		ts, err := clock.Now()
		require.NoError(t, err)
		last = ts
	}
	wallMs, counter := last.Decode()
	assert.Equal(t, fixed, wallMs)
	assert.Equal(t, uint16(counterMax), counter)

	overflowed, err := clock.Now()
	require.NoError(t, err)
	overflowWall, overflowCounter := overflowed.Decode()
	assert.Equal(t, fixed+1, overflowWall)
	assert.Equal(t, uint16(0), overflowCounter)
}

func TestNowAdvancesWallWhenRealClockMovesForward(t *testing.T) {
	clock := New()
	wall := uint64(10)
	clock.nowMs = func() uint64 { return wall }

	first, err := clock.Now()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), first.Wall())

	wall = 20
	second, err := clock.Now()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), second.Wall())
	assert.Equal(t, 1, second.Compare(first))
}

func TestObserveAdoptsLaterTimestamp(t *testing.T) {
	clock := New()
	wall := uint64(100)
	clock.nowMs = func() uint64 { return wall }

	_, err := clock.Now()
	require.NoError(t, err)

	future := Encode(500, 7)
	clock.Observe(future)

	next, err := clock.Now()
	require.NoError(t, err)
	assert.Equal(t, 1, next.Compare(future))
}

func TestObserveIgnoresEarlierTimestamp(t *testing.T) {
	clock := New()
	wall := uint64(1_000)
	clock.nowMs = func() uint64 { return wall }

	current, err := clock.Now()
	require.NoError(t, err)

	clock.Observe(Encode(1, 0))

	next, err := clock.Now()
	require.NoError(t, err)
	assert.Equal(t, 1, next.Compare(current))
}
