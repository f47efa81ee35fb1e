// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/repository"
)

// ConfigStore persists connector_configs through the shared repository
// connection -- the same table every gateway instance in a cluster reads
// at startup to restore its connector set.
type ConfigStore struct {
	db      *sqlx.DB
	driver  string
	builder sq.StatementBuilderType
}

func NewConfigStore(conn *repository.DBConnection) *ConfigStore {
	placeholder := sq.Question
	if conn.Driver == "postgres" {
		placeholder = sq.Dollar
	}
	return &ConfigStore{db: conn.DB, driver: conn.Driver, builder: sq.StatementBuilder.PlaceholderFormat(placeholder)}
}

func nowUnix() int64 { return time.Now().Unix() }

func (s *ConfigStore) Save(cfg model.ConnectorConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("connector: marshal config: %w", err)
	}
	now := nowUnix()

	query, args, err := s.builder.Insert("connector_configs").
		Columns("name", "type", "config_json", "updated_at").
		Values(cfg.Name, cfg.Type, string(blob), now).
		Suffix(s.upsertSuffix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("connector: build upsert: %w", err)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("connector: save config %s: %w", cfg.Name, err)
	}
	return nil
}

func (s *ConfigStore) upsertSuffix() string {
	if s.driver == "mysql" {
		return "ON DUPLICATE KEY UPDATE type = VALUES(type), config_json = VALUES(config_json), updated_at = VALUES(updated_at)"
	}
	return "ON CONFLICT (name) DO UPDATE SET type = excluded.type, config_json = excluded.config_json, updated_at = excluded.updated_at"
}

func (s *ConfigStore) Delete(name string) error {
	query, args, err := s.builder.Delete("connector_configs").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("connector: build delete: %w", err)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("connector: delete config %s: %w", name, err)
	}
	return nil
}

func (s *ConfigStore) LoadAll() ([]model.ConnectorConfig, error) {
	query, args, err := s.builder.Select("name", "type", "config_json").From("connector_configs").ToSql()
	if err != nil {
		return nil, fmt.Errorf("connector: build list: %w", err)
	}
	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("connector: list configs: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectorConfig
	for rows.Next() {
		var name, typ, configJSON string
		if err := rows.Scan(&name, &typ, &configJSON); err != nil {
			return nil, fmt.Errorf("connector: scan config: %w", err)
		}
		var cfg model.ConnectorConfig
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("connector: unmarshal config %s: %w", name, err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
