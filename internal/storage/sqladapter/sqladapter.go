// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sqladapter implements a storage.TableAdapter backed by any
// database jmoiron/sqlx can drive, using Masterminds/squirrel to build
// queries portable across the three dialects the gateway supports.
package sqladapter

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// Adapter is a shared SQL table of flushed deltas. It doubles as C9's
// cross-instance write-through buffer: every gateway process in a cluster
// can point its own Adapter at the same physical database and table.
type Adapter struct {
	db      *sqlx.DB
	driver  string
	builder sq.StatementBuilderType
}

// Open connects to driver/dsn and ensures the deltas table exists. driver
// is one of "sqlite3", "mysql", "postgres"; postgres uses squirrel's
// Dollar placeholder format, the other two use Question.
func Open(driver, dsn string) (*Adapter, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqladapter: ping: %w", err)
	}

	placeholder := sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	a := &Adapter{db: db, driver: driver, builder: sq.StatementBuilder.PlaceholderFormat(placeholder)}
	if err := a.ensureSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ensureSchema() error {
	ddl := `CREATE TABLE IF NOT EXISTS deltas (
		delta_id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		op TEXT NOT NULL,
		columns_json TEXT NOT NULL,
		hlc BIGINT NOT NULL
	)`
	if a.driver == "mysql" {
		ddl = `CREATE TABLE IF NOT EXISTS deltas (
			delta_id VARCHAR(128) PRIMARY KEY,
			table_name VARCHAR(255) NOT NULL,
			row_id VARCHAR(255) NOT NULL,
			client_id VARCHAR(255) NOT NULL,
			op VARCHAR(16) NOT NULL,
			columns_json JSON NOT NULL,
			hlc BIGINT UNSIGNED NOT NULL,
			INDEX idx_table_hlc (table_name, hlc)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	}
	if _, err := a.db.Exec(ddl); err != nil {
		return fmt.Errorf("sqladapter: ensure schema: %w", err)
	}
	if a.driver != "mysql" {
		if _, err := a.db.Exec(`CREATE INDEX IF NOT EXISTS idx_deltas_table_hlc ON deltas (table_name, hlc)`); err != nil {
			log.Warnf("sqladapter: create index: %v", err)
		}
	}
	return nil
}

// WriteBatch upserts deltas; a delta_id collision (the same delta flushed
// twice, e.g. after a crash-and-replay) is a no-op rather than an error.
func (a *Adapter) WriteBatch(ctx context.Context, deltas []model.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqladapter: begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		columnsJSON, err := json.Marshal(d.Columns)
		if err != nil {
			return fmt.Errorf("sqladapter: marshal columns: %w", err)
		}
		insert := a.builder.Insert("deltas").
			Columns("delta_id", "table_name", "row_id", "client_id", "op", "columns_json", "hlc").
			Values(d.DeltaID, d.Table, d.RowID, d.ClientID, string(d.Op), string(columnsJSON), int64(d.HLC)).
			Suffix(onConflictDoNothing(a.driver))

		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("sqladapter: build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("sqladapter: insert delta %s: %w", d.DeltaID, err)
		}
	}
	return tx.Commit()
}

func onConflictDoNothing(driver string) string {
	if driver == "mysql" {
		return "ON DUPLICATE KEY UPDATE delta_id = delta_id"
	}
	return "ON CONFLICT (delta_id) DO NOTHING"
}

// QueryRows returns up to limit deltas for table, most recently ordered
// (by hlc descending); a limit of 0 or less returns every row. The cluster
// coordinator's pull merge reads the shared table through it.
func (a *Adapter) QueryRows(ctx context.Context, table string, limit int) ([]model.RowDelta, error) {
	sel := a.builder.Select("delta_id", "table_name", "row_id", "client_id", "op", "columns_json", "hlc").
		From("deltas").
		Where(sq.Eq{"table_name": table}).
		OrderBy("hlc DESC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqladapter: build query: %w", err)
	}

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: query: %w", err)
	}
	defer rows.Close()

	var out []model.RowDelta
	for rows.Next() {
		var (
			deltaID, tableName, rowID, clientID, op, columnsJSON string
			hlcValue                                              int64
		)
		if err := rows.Scan(&deltaID, &tableName, &rowID, &clientID, &op, &columnsJSON, &hlcValue); err != nil {
			return nil, fmt.Errorf("sqladapter: scan: %w", err)
		}
		var columns []model.ColumnValue
		if err := json.Unmarshal([]byte(columnsJSON), &columns); err != nil {
			return nil, fmt.Errorf("sqladapter: unmarshal columns: %w", err)
		}
		out = append(out, model.RowDelta{
			DeltaID: deltaID, Table: tableName, RowID: rowID, ClientID: clientID,
			Op: model.Op(op), Columns: columns, HLC: hlc.Timestamp(hlcValue),
		})
	}
	return out, rows.Err()
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

// SupportedActions implements storage.ActionHandler.
func (a *Adapter) SupportedActions() []string {
	return []string{"vacuum"}
}

// ExecuteAction implements storage.ActionHandler. "vacuum" compacts the
// underlying database file; sqlite and postgres both understand VACUUM,
// mysql is handled with its OPTIMIZE TABLE equivalent.
func (a *Adapter) ExecuteAction(ctx context.Context, name string, args map[string]any) (any, error) {
	if name != "vacuum" {
		return nil, fmt.Errorf("sqladapter: unsupported action %q", name)
	}
	var execErr error
	if a.driver == "mysql" {
		_, execErr = a.db.ExecContext(ctx, "OPTIMIZE TABLE deltas")
	} else {
		_, execErr = a.db.ExecContext(ctx, "VACUUM")
	}
	if execErr != nil {
		return nil, fmt.Errorf("sqladapter: vacuum: %w", execErr)
	}
	return map[string]any{"status": "ok"}, nil
}
