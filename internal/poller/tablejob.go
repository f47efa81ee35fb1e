// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lakesync/gateway/pkg/lrucache"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// snapshotRowWarnThreshold is the point at which a diff-strategy snapshot
// is large enough that the poll is likely scanning a table this strategy
// doesn't fit well -- cursor strategy scales better for wide tables.
const snapshotRowWarnThreshold = 1000

// rowStateBudgetBytes bounds the cursor strategy's prior-row-state cache.
// Row state for column diffing doesn't need unbounded retention -- an
// unusually wide or unusually large table just evicts its coldest rows
// first, same tradeoff the teacher's archive-read cache makes.
const rowStateBudgetBytes = 8 << 20 // 8 MiB per table

// rowStateTTL is effectively "never expire by age" -- eviction for this
// cache is driven entirely by the byte budget, not time.
const rowStateTTL = 100 * 365 * 24 * time.Hour

// tableJob runs one IngestTable's change-detection loop, holding whatever
// prior-state the configured strategy needs to tell INSERT from UPDATE
// (cursor strategy) or to detect deletes (diff strategy).
type tableJob struct {
	cfg model.IngestTable

	mu         sync.Mutex
	lastValue  any
	rowCache   *lrucache.Cache // cursor strategy: rowId -> map[string]any of last-seen columns

	prevSnapshot map[string]map[string]any // diff strategy: full previous snapshot
	fingerprint  string
}

func newTableJob(cfg model.IngestTable, restored model.TableCursor) *tableJob {
	job := &tableJob{cfg: cfg, lastValue: restored.LastValue, fingerprint: restored.Fingerprint}
	if cfg.Strategy == model.StrategyCursor {
		job.rowCache = lrucache.New(rowStateBudgetBytes)
	} else {
		job.prevSnapshot = make(map[string]map[string]any)
	}
	return job
}

func (j *tableJob) cursor() model.TableCursor {
	j.mu.Lock()
	defer j.mu.Unlock()
	return model.TableCursor{LastValue: j.lastValue, Fingerprint: j.fingerprint}
}

func (j *tableJob) poll(ctx context.Context, db *sqlx.DB, clock *hlc.Clock) ([]model.RowDelta, error) {
	switch j.cfg.Strategy {
	case model.StrategyDiff:
		return j.pollDiff(ctx, db, clock)
	default:
		return j.pollCursor(ctx, db, clock)
	}
}

// pollCursor implements the cursor strategy: first poll runs the
// configured query unfiltered, ordered by the cursor column ascending;
// subsequent polls add a "> last_seen - lookback" predicate so
// late-committing transactions within the lookback window are re-scanned.
// Every returned row is diffed against its cached prior column values to
// decide INSERT vs UPDATE; rowIdColumn itself is excluded from Columns.
func (j *tableJob) pollCursor(ctx context.Context, db *sqlx.DB, clock *hlc.Clock) ([]model.RowDelta, error) {
	j.mu.Lock()
	lastValue := j.lastValue
	j.mu.Unlock()

	base := fmt.Sprintf("SELECT * FROM (%s) AS src", j.cfg.Query)
	var (
		query string
		args  []any
	)
	if lastValue == nil {
		query = fmt.Sprintf("%s ORDER BY %s ASC", base, j.cfg.CursorColumn)
	} else {
		threshold := lastValue
		if lb, ok := lastValue.(int64); ok {
			threshold = lb - j.cfg.LookbackMs
		}
		query = fmt.Sprintf("%s WHERE %s > ? ORDER BY %s ASC", base, j.cfg.CursorColumn, j.cfg.CursorColumn)
		args = append(args, threshold)
	}

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	records, err := rowsToMaps(rows)
	if err != nil {
		return nil, err
	}

	var deltas []model.RowDelta
	var maxCursor any = lastValue

	for _, rec := range records {
		rowID := fmt.Sprint(rec[j.cfg.RowIDColumn])
		delete(rec, j.cfg.RowIDColumn)

		cached := j.rowCache.Get(rowID, nil)
		op := model.OpInsert
		var prior map[string]any
		if cached != nil {
			op = model.OpUpdate
			prior, _ = cached.(map[string]any)
		}

		columns := diffColumns(prior, rec)
		if op == model.OpUpdate && len(columns) == 0 {
			continue
		}

		now, err := clock.Now()
		if err != nil {
			return nil, fmt.Errorf("clock: %w", err)
		}
		delta := model.RowDelta{Table: j.cfg.Table, RowID: rowID, Op: op, Columns: columns, HLC: now}
		if err := delta.EnsureDeltaID(); err != nil {
			return nil, fmt.Errorf("delta id: %w", err)
		}
		deltas = append(deltas, delta)

		encoded, _ := json.Marshal(rec)
		j.rowCache.Put(rowID, rec, len(encoded), rowStateTTL)

		if cv := rec[j.cfg.CursorColumn]; cv != nil {
			if cursorAfter(cv, maxCursor) {
				maxCursor = cv
			}
		}
	}

	j.mu.Lock()
	j.lastValue = maxCursor
	j.mu.Unlock()

	return deltas, nil
}

func cursorAfter(a, b any) bool {
	if b == nil {
		return true
	}
	af, aok := toComparableFloat(a)
	bf, bok := toComparableFloat(b)
	if aok && bok {
		return af > bf
	}
	return fmt.Sprint(a) > fmt.Sprint(b)
}

func toComparableFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// diffColumns returns the columns present in cur that are absent from, or
// different in, prior. A nil prior (first sighting) returns every column.
func diffColumns(prior, cur map[string]any) []model.ColumnValue {
	var out []model.ColumnValue
	for k, v := range cur {
		if prior == nil {
			out = append(out, model.ColumnValue{Column: k, Value: v})
			continue
		}
		if pv, ok := prior[k]; !ok || fmt.Sprint(pv) != fmt.Sprint(v) {
			out = append(out, model.ColumnValue{Column: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

// pollDiff implements the diff strategy: re-run the full query every poll,
// compare the resulting snapshot against the previous one (row-by-row),
// and emit INSERT/UPDATE for new/changed rows and DELETE for rows that
// disappeared. Unlike the cursor strategy this needs the complete prior
// snapshot, not just a fingerprint, so deletes can be detected -- the
// fingerprint is only a cheap identical-snapshot short-circuit.
func (j *tableJob) pollDiff(ctx context.Context, db *sqlx.DB, clock *hlc.Clock) ([]model.RowDelta, error) {
	rows, err := db.QueryxContext(ctx, j.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	records, err := rowsToMaps(rows)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		rowID := fmt.Sprint(rec[j.cfg.RowIDColumn])
		delete(rec, j.cfg.RowIDColumn)
		snapshot[rowID] = rec
	}

	if len(snapshot) > snapshotRowWarnThreshold {
		log.Warnf("poller: table %s snapshot has %d rows, exceeding %d", j.cfg.Table, len(snapshot), snapshotRowWarnThreshold)
	}

	fp, err := fingerprint(snapshot)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	unchanged := fp == j.fingerprint
	prev := j.prevSnapshot
	j.mu.Unlock()

	if unchanged {
		return nil, nil
	}

	var deltas []model.RowDelta
	for rowID, cur := range snapshot {
		prior, existed := prev[rowID]
		op := model.OpInsert
		if existed {
			op = model.OpUpdate
		}
		columns := diffColumns(prior, cur)
		if existed && len(columns) == 0 {
			continue
		}
		if d, err := j.buildDelta(clock, rowID, op, columns); err != nil {
			return nil, err
		} else {
			deltas = append(deltas, d)
		}
	}
	for rowID := range prev {
		if _, stillPresent := snapshot[rowID]; stillPresent {
			continue
		}
		if d, err := j.buildDelta(clock, rowID, model.OpDelete, nil); err != nil {
			return nil, err
		} else {
			deltas = append(deltas, d)
		}
	}

	j.mu.Lock()
	j.prevSnapshot = snapshot
	j.fingerprint = fp
	j.mu.Unlock()

	return deltas, nil
}

func (j *tableJob) buildDelta(clock *hlc.Clock, rowID string, op model.Op, columns []model.ColumnValue) (model.RowDelta, error) {
	now, err := clock.Now()
	if err != nil {
		return model.RowDelta{}, fmt.Errorf("clock: %w", err)
	}
	delta := model.RowDelta{Table: j.cfg.Table, RowID: rowID, Op: op, Columns: columns, HLC: now}
	if err := delta.EnsureDeltaID(); err != nil {
		return model.RowDelta{}, fmt.Errorf("delta id: %w", err)
	}
	return delta, nil
}

func fingerprint(snapshot map[string]map[string]any) (string, error) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
