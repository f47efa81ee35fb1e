// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cluster coordinates multiple gateway instances: a distributed
// lock for exclusive periodic flush, and a shared write-through table so
// every instance's pulls see every other instance's pushes.
package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Locker is a cross-instance mutual-exclusion primitive keyed by an
// arbitrary string. Two concurrent Acquire calls for the same key must
// produce exactly one winner.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MySQLAdvisoryLocker uses MySQL's native GET_LOCK/RELEASE_LOCK, which is
// already atomic and cluster-wide without any schema of our own. The key
// is hashed to a bounded-length name via FNV-1a 64 -- MySQL's advisory
// lock accepts an arbitrary string directly, but some proxies and older
// servers cap lock-name length, so a fixed-width hashed name sidesteps
// that entirely.
type MySQLAdvisoryLocker struct {
	db *sqlx.DB
}

func NewMySQLAdvisoryLocker(db *sqlx.DB) *MySQLAdvisoryLocker {
	return &MySQLAdvisoryLocker{db: db}
}

func hashKey(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("lakesync_%x", h.Sum64())
}

func (l *MySQLAdvisoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var got int
	// Timeout 0: GET_LOCK returns 0 at once when another session holds the
	// lock. MySQL advisory locks have no expiry, so ttl is not used here;
	// the lock lasts until RELEASE_LOCK or the end of the session.
	err := l.db.GetContext(ctx, &got, "SELECT GET_LOCK(?, 0)", hashKey(key))
	if err != nil {
		return false, fmt.Errorf("cluster: get_lock: %w", err)
	}
	return got == 1, nil
}

func (l *MySQLAdvisoryLocker) Release(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", hashKey(key))
	if err != nil {
		return fmt.Errorf("cluster: release_lock: %w", err)
	}
	return nil
}

// StoreLocker implements Locker via compare-and-swap against a
// distributed_locks table, for backends without a native advisory-lock
// primitive (sqlite, or a mysql deployment where GET_LOCK's
// connection-scoped semantics are undesirable). A crashed holder's lock
// persists until ttl expiry -- this is the known approximation the spec
// calls out, since there is no server-side liveness signal to race
// against.
type StoreLocker struct {
	db       *sqlx.DB
	holderID string
}

func NewStoreLocker(db *sqlx.DB, holderID string) *StoreLocker {
	return &StoreLocker{db: db, holderID: holderID}
}

// Acquire tries to take over an expired or unowned lock row, creating it
// on first use. Exactly one of two concurrent Acquire calls affects a row
// because both run as single UPDATE/INSERT statements.
func (l *StoreLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	expiresAt := time.Now().Add(ttl).Unix()

	res, err := l.db.ExecContext(ctx,
		`UPDATE distributed_locks SET holder_id = ?, expires_at = ? WHERE lock_key = ? AND (holder_id = ? OR expires_at < ?)`,
		l.holderID, expiresAt, key, l.holderID, now)
	if err != nil {
		return false, fmt.Errorf("cluster: cas update: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO distributed_locks (lock_key, holder_id, expires_at) VALUES (?, ?, ?)`,
		key, l.holderID, expiresAt)
	if err == nil {
		return true, nil
	}
	// Row now exists (another instance raced us to the insert) and it
	// isn't held by us -- we lost.
	return false, nil
}

func (l *StoreLocker) Release(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE distributed_locks SET expires_at = 0 WHERE lock_key = ? AND holder_id = ?`,
		key, l.holderID)
	if err != nil {
		return fmt.Errorf("cluster: release: %w", err)
	}
	return nil
}
