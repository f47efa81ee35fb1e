// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package persistence implements the gateway's crash-recovery layer: a
// write-ahead log of unflushed deltas and a durable store for connector
// cursor state. Both operations must be synchronous from the caller's
// perspective so the push -> persist -> buffer sequence stays indivisible
// with respect to a crash between any two steps.
package persistence

import "github.com/lakesync/gateway/internal/model"

// Store is the persistence contract C2 requires. AppendBatch failure
// during a push is fatal to that push; Remove failure after a flush is
// logged, not propagated — a replay on next start is deduplicated by the
// buffer's deltaId index.
type Store interface {
	// AppendBatch durably records deltas before they are considered
	// accepted into the in-memory buffer.
	AppendBatch(deltas []model.RowDelta) error

	// LoadAll returns every recorded delta not yet dropped by Clear or
	// Remove. MemoryStore returns them in append order; SqliteStore orders
	// them by HLC, then by insertion.
	LoadAll() ([]model.RowDelta, error)

	// Clear atomically removes every delta recorded so far. The buffer's
	// flush does not call it; it trims with Remove.
	Clear() error

	// Remove deletes exactly the given deltaIds, leaving anything recorded
	// after the flush's snapshot was taken in place. Called after a
	// successful partial flush, in place of Clear, so deltas appended to
	// the buffer while the flush write was in flight survive a crash too.
	Remove(deltaIds map[string]struct{}) error

	// SaveCursor upserts a connector's cursor-state blob.
	SaveCursor(connectorName string, cursorJSON []byte) error

	// LoadCursor returns a connector's last-saved cursor blob, or
	// (nil, false) if none has been saved yet.
	LoadCursor(connectorName string) (cursorJSON []byte, ok bool, err error)

	// LoadAllCursors returns every connector's saved cursor blob, keyed by
	// connector name, for bulk restore at startup.
	LoadAllCursors() (map[string][]byte, error)

	Close() error
}
