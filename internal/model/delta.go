// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package model holds the wire and storage types shared by every gateway
// component: deltas, sync rules, connector configuration, cursor state, and
// authenticated claims.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lakesync/gateway/pkg/hlc"
)

// Op is the kind of row-level change a delta carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ColumnValue is one column's new value. Columns is a slice, not a map, so
// an UPDATE's column order is stable across marshal/unmarshal round-trips —
// required for content-addressed deltaId hashing to be deterministic.
type ColumnValue struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// RowDelta is one row-level change at one instant. DELETE deltas carry no
// columns; UPDATE deltas carry only the columns that changed.
type RowDelta struct {
	DeltaID  string        `json:"deltaId"`
	Table    string        `json:"table"`
	RowID    string        `json:"rowId"`
	ClientID string        `json:"clientId"`
	Op       Op            `json:"op"`
	Columns  []ColumnValue `json:"columns,omitempty"`
	HLC      hlc.Timestamp `json:"hlc"`
}

// RowKey is the secondary-index key a delta's (table, rowId) pair collapses
// to, used by the buffer's per-row index.
type RowKey struct {
	Table string
	RowID string
}

func (d RowDelta) Key() RowKey {
	return RowKey{Table: d.Table, RowID: d.RowID}
}

// Column looks up a single column's value by name. ok is false if the
// column is absent (DELETE deltas, or an UPDATE that didn't touch it).
func (d RowDelta) Column(name string) (value any, ok bool) {
	for _, c := range d.Columns {
		if c.Column == name {
			return c.Value, true
		}
	}
	return nil, false
}

// EnsureDeltaID fills in DeltaID with a content-addressed hash when the
// caller left it blank, per the gateway's delta-identity rule: hex(sha256
// (table|rowId|op|hlc|sortedColumnsJSON)). Clients that already supplied an
// identifier (including their own UUIDs) are left untouched — the gateway
// only requires uniqueness, not content-addressing.
func (d *RowDelta) EnsureDeltaID() error {
	if d.DeltaID != "" {
		return nil
	}
	id, err := ContentDeltaID(d.Table, d.RowID, d.Op, d.HLC, d.Columns)
	if err != nil {
		return err
	}
	d.DeltaID = id
	return nil
}

// ContentDeltaID derives the default deltaId for a delta's fields. Columns
// are sorted by name before marshaling so that two equivalent deltas with
// differently-ordered UPDATE columns hash identically.
func ContentDeltaID(table, rowID string, op Op, ts hlc.Timestamp, columns []ColumnValue) (string, error) {
	sorted := make([]ColumnValue, len(columns))
	copy(sorted, columns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Column < sorted[j].Column })

	colJSON, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("model: marshal columns for deltaId: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", table, rowID, op, uint64(ts))
	h.Write(colJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}
