// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package model

import "encoding/json"

// PollStrategy selects how a source poller's table-ingest job detects
// changes: "cursor" (monotone column) or "diff" (full snapshot compare).
type PollStrategy string

const (
	StrategyCursor PollStrategy = "cursor"
	StrategyDiff   PollStrategy = "diff"
)

// IngestTable configures one polled table within a connector.
type IngestTable struct {
	Table        string       `json:"table"`
	Query        string       `json:"query"`
	RowIDColumn  string       `json:"rowIdColumn"`
	Strategy     PollStrategy `json:"strategy"`
	CursorColumn string       `json:"cursorColumn,omitempty"`
	LookbackMs   int64        `json:"lookbackMs,omitempty"`
}

// IngestConfig is a connector's optional polling configuration.
type IngestConfig struct {
	IntervalMs int64         `json:"intervalMs"`
	Tables     []IngestTable `json:"tables"`
}

// ConnectorConfig is the persisted, user-supplied description of one
// registered connector. TypeConfig holds type-specific settings as raw JSON
// so the connector manager's factory registry can unmarshal it into
// whatever struct the named type expects.
type ConnectorConfig struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	TypeConfig json.RawMessage `json:"typeConfig,omitempty"`
	Ingest     *IngestConfig   `json:"ingest,omitempty"`
}

// CursorState is a connector's durable, per-table resumption point: the
// last-seen cursor value for the cursor strategy, or the last snapshot
// fingerprint for the diff strategy.
type CursorState struct {
	ConnectorName string                     `json:"connectorName"`
	Tables        map[string]TableCursor     `json:"tables"`
}

// TableCursor is the per-table slice of a CursorState.
type TableCursor struct {
	LastValue   any    `json:"lastValue,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ConnectorStatus is the live-enumerated view of one registered connector:
// persisted config plus whatever its running lifecycle reports right now.
type ConnectorStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsPolling bool   `json:"isPolling"`
}
