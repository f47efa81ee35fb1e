// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buffer implements the gateway's in-memory delta log: an
// HLC-ordered append log with a per-row secondary index, deduplication by
// deltaId, and byte/age-triggered flush.
package buffer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// FlushFunc hands the buffer's current contents to whatever storage
// adapter the gateway has configured. The buffer itself is adapter-
// agnostic — it just needs something willing to durably absorb a batch.
type FlushFunc func(batch []model.RowDelta) error

// Stats is the snapshot returned by Buffer.Stats.
type Stats struct {
	LogSize   int
	IndexSize int
	ByteSize  int64
	OldestAge time.Duration
}

// Limits configures the triggers that cause Append to request a flush.
type Limits struct {
	MaxBytes int64
	MaxAge   time.Duration
}

// logEntry pairs a delta with the wall-clock time it was appended, so a
// partial flush can tell which entries it is allowed to drop and recompute
// the remaining buffer's age correctly.
type logEntry struct {
	delta      model.RowDelta
	insertedAt time.Time
}

// Buffer is the gateway's shared-mutable delta log. Every mutation — and
// the byte/age threshold check that may follow it — happens inside one
// critical section, per spec's "exactly one mutator at a time" rule.
type Buffer struct {
	mu sync.Mutex

	log     []logEntry
	index   map[model.RowKey][]string
	seen    map[string]struct{}
	bytes   int64
	oldest  time.Time

	clock   *hlc.Clock
	store   persistence.Store
	limits  Limits
	nowFn   func() time.Time
}

func New(clock *hlc.Clock, store persistence.Store, limits Limits) *Buffer {
	return &Buffer{
		index:  make(map[model.RowKey][]string),
		seen:   make(map[string]struct{}),
		clock:  clock,
		store:  store,
		limits: limits,
		nowFn:  time.Now,
	}
}

func deltaSize(d model.RowDelta) int64 {
	b, err := json.Marshal(d)
	if err != nil {
		return int64(len(d.DeltaID) + len(d.Table) + len(d.RowID))
	}
	return int64(len(b))
}

// AppendResult is what Append reports back to the caller.
type AppendResult struct {
	ServerHLC      hlc.Timestamp
	AcceptedDeltas int
	ShouldFlush    bool
}

// Append rejects deltas whose deltaId is already present (counted as
// duplicates, not errors), appends the rest, and reports the batch's
// assigned server HLC — the max HLC among accepted deltas, or a freshly
// minted clock reading if every delta in the batch was a duplicate.
func (b *Buffer) Append(batch []model.RowDelta) (AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var maxHLC hlc.Timestamp
	var accepted []model.RowDelta

	for _, d := range batch {
		if _, dup := b.seen[d.DeltaID]; dup {
			continue
		}
		b.seen[d.DeltaID] = struct{}{}
		accepted = append(accepted, d)
		if d.HLC > maxHLC {
			maxHLC = d.HLC
		}
	}

	if len(accepted) == 0 {
		now, err := b.clock.Now()
		if err != nil {
			return AppendResult{}, fmt.Errorf("buffer: clock: %w", err)
		}
		return AppendResult{ServerHLC: now, AcceptedDeltas: 0}, nil
	}

	if len(b.log) == 0 {
		b.oldest = b.nowFn()
	}

	now := b.nowFn()
	for _, d := range accepted {
		b.log = append(b.log, logEntry{delta: d, insertedAt: now})
		key := d.Key()
		b.index[key] = append(b.index[key], d.DeltaID)
		b.bytes += deltaSize(d)
	}

	shouldFlush := (b.limits.MaxBytes > 0 && b.bytes >= b.limits.MaxBytes) ||
		(b.limits.MaxAge > 0 && len(b.log) > 0 && b.nowFn().Sub(b.oldest) >= b.limits.MaxAge)

	return AppendResult{
		ServerHLC:      maxHLC,
		AcceptedDeltas: len(accepted),
		ShouldFlush:    shouldFlush,
	}, nil
}

// QuerySince returns deltas with hlc > sinceHLC, HLC-sorted, capped at
// limit. filter, if non-nil, is applied before the cap so a sync-rules
// filter never hides the existence of more matching deltas behind the cap.
func (b *Buffer) QuerySince(sinceHLC hlc.Timestamp, limit int, filter func(model.RowDelta) bool) (deltas []model.RowDelta, hasMore bool) {
	b.mu.Lock()
	snapshot := make([]model.RowDelta, len(b.log))
	for i, e := range b.log {
		snapshot[i] = e.delta
	}
	b.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].HLC < snapshot[j].HLC })

	var matched []model.RowDelta
	for _, d := range snapshot {
		if d.HLC <= sinceHLC {
			continue
		}
		if filter != nil && !filter(d) {
			continue
		}
		matched = append(matched, d)
	}

	if limit > 0 && len(matched) > limit {
		return matched[:limit], true
	}
	return matched, false
}

// Flush atomically snapshots the buffer, releases the lock for the
// duration of write (per spec's required suspension point), and on
// success removes exactly the flushed deltas from the in-memory log --
// never the whole log -- since Append can and does land new deltas while
// write is in flight. On failure the buffer is left intact so the next
// periodic or admin flush retries.
func (b *Buffer) Flush(write FlushFunc) error {
	b.mu.Lock()
	snapshot := make([]model.RowDelta, len(b.log))
	flushed := make(map[string]struct{}, len(b.log))
	for i, e := range b.log {
		snapshot[i] = e.delta
		flushed[e.delta.DeltaID] = struct{}{}
	}
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	if err := write(snapshot); err != nil {
		return fmt.Errorf("buffer: flush write: %w", err)
	}

	b.mu.Lock()
	b.removeFlushed(flushed)
	b.mu.Unlock()

	if err := b.store.Remove(flushed); err != nil {
		log.Warnf("buffer: persistence trim failed, next restart will replay deduplicated deltas: %v", err)
	}
	return nil
}

// removeFlushed drops the flushed deltaIds from the log, index, and byte
// count, keeping anything appended while write was in flight. seen is left
// untouched -- a flushed deltaId must keep deduplicating a retried push,
// not be re-admitted as if new.
func (b *Buffer) removeFlushed(flushed map[string]struct{}) {
	if len(flushed) == 0 {
		return
	}

	kept := b.log[:0]
	for _, e := range b.log {
		if _, gone := flushed[e.delta.DeltaID]; gone {
			continue
		}
		kept = append(kept, e)
	}
	b.log = kept

	for key, ids := range b.index {
		remaining := ids[:0]
		for _, id := range ids {
			if _, gone := flushed[id]; gone {
				continue
			}
			remaining = append(remaining, id)
		}
		if len(remaining) == 0 {
			delete(b.index, key)
		} else {
			b.index[key] = remaining
		}
	}

	var bytes int64
	var oldest time.Time
	for _, e := range b.log {
		bytes += deltaSize(e.delta)
		if oldest.IsZero() || e.insertedAt.Before(oldest) {
			oldest = e.insertedAt
		}
	}
	b.bytes = bytes
	b.oldest = oldest
}

// Restore replays deltas loaded from persistence back into the buffer at
// startup, before any client traffic is accepted. Duplicates (by deltaId)
// are silently dropped, same as Append.
func (b *Buffer) Restore(deltas []model.RowDelta) {
	if len(deltas) == 0 {
		return
	}
	if _, err := b.Append(deltas); err != nil {
		log.Errorf("buffer: restore failed: %v", err)
	}
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var age time.Duration
	if len(b.log) > 0 && !b.oldest.IsZero() {
		age = b.nowFn().Sub(b.oldest)
	}
	return Stats{
		LogSize:   len(b.log),
		IndexSize: len(b.index),
		ByteSize:  b.bytes,
		OldestAge: age,
	}
}
