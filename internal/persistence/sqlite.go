// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// sqliteSchema mirrors the shape of the shared repository's "deltas" and
// "cursors" tables, but SqliteStore opens its own private file-backed
// connection so a single-node gateway doesn't need the shared repository
// wired up at all.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wal_deltas (
    delta_id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    op TEXT NOT NULL,
    columns_json BLOB NOT NULL,
    hlc INTEGER NOT NULL,
    inserted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_cursors (
    connector_name TEXT PRIMARY KEY,
    cursor_json BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// SqliteStore implements Store using a SQLite database with BLOB storage
// and WAL journaling enabled, following the archive backend's pragma and
// upsert conventions.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warnf("persistence: pragma %q failed: %v", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: schema creation failed: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) AppendBatch(deltas []model.RowDelta) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO wal_deltas (delta_id, table_name, row_id, client_id, op, columns_json, hlc, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(delta_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("persistence: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, d := range deltas {
		colsJSON, err := json.Marshal(d.Columns)
		if err != nil {
			return fmt.Errorf("persistence: marshal columns: %w", err)
		}
		if _, err := stmt.Exec(d.DeltaID, d.Table, d.RowID, d.ClientID, string(d.Op), colsJSON, uint64(d.HLC), now); err != nil {
			return fmt.Errorf("persistence: insert delta %s: %w", d.DeltaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

func (s *SqliteStore) LoadAll() ([]model.RowDelta, error) {
	rows, err := s.db.Query(`
		SELECT delta_id, table_name, row_id, client_id, op, columns_json, hlc
		FROM wal_deltas ORDER BY hlc ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: query wal: %w", err)
	}
	defer rows.Close()

	var out []model.RowDelta
	for rows.Next() {
		var d model.RowDelta
		var op string
		var colsJSON []byte
		var hlcVal uint64
		if err := rows.Scan(&d.DeltaID, &d.Table, &d.RowID, &d.ClientID, &op, &colsJSON, &hlcVal); err != nil {
			return nil, fmt.Errorf("persistence: scan delta: %w", err)
		}
		d.Op = model.Op(op)
		d.HLC = hlc.Timestamp(hlcVal)
		if len(colsJSON) > 0 {
			if err := json.Unmarshal(colsJSON, &d.Columns); err != nil {
				return nil, fmt.Errorf("persistence: unmarshal columns: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Clear truncates the WAL table. The buffer's flush path trims the WAL
// with Remove instead, so nothing in the gateway calls Clear.
func (s *SqliteStore) Clear() error {
	_, err := s.db.Exec("DELETE FROM wal_deltas")
	if err != nil {
		return fmt.Errorf("persistence: clear wal: %w", err)
	}
	return nil
}

// Remove deletes exactly the given deltaIds in one transaction, leaving
// rows inserted after the flush's snapshot was taken untouched.
func (s *SqliteStore) Remove(deltaIds map[string]struct{}) error {
	if len(deltaIds) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM wal_deltas WHERE delta_id = ?")
	if err != nil {
		return fmt.Errorf("persistence: prepare delete: %w", err)
	}
	defer stmt.Close()

	for id := range deltaIds {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("persistence: remove delta %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

func (s *SqliteStore) SaveCursor(connectorName string, cursorJSON []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO wal_cursors (connector_name, cursor_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(connector_name) DO UPDATE SET
			cursor_json = excluded.cursor_json,
			updated_at = excluded.updated_at
	`, connectorName, cursorJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("persistence: save cursor: %w", err)
	}
	return nil
}

func (s *SqliteStore) LoadCursor(connectorName string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT cursor_json FROM wal_cursors WHERE connector_name = ?", connectorName).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load cursor: %w", err)
	}
	return blob, true, nil
}

func (s *SqliteStore) LoadAllCursors() (map[string][]byte, error) {
	rows, err := s.db.Query("SELECT connector_name, cursor_json FROM wal_cursors")
	if err != nil {
		return nil, fmt.Errorf("persistence: load all cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, fmt.Errorf("persistence: scan cursor: %w", err)
		}
		out[name] = blob
	}
	return out, rows.Err()
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
