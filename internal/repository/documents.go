// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/lakesync/gateway/pkg/lrucache"
)

// documentCacheBytes bounds the read-through cache below; admin documents
// are small JSON blobs (schemas, sync-rules), so a few hundred of them
// comfortably fit.
const documentCacheBytes = 4 << 20

// documentCacheTTL is short enough that a Save on one gateway instance in
// a multi-instance deployment is reflected on the others within one
// admin-read cycle, without adding cross-instance cache invalidation.
const documentCacheTTL = 10 * time.Second

// DocumentStore persists per-gateway admin documents -- sync-rules bodies
// and per-table schemas -- keyed by an arbitrary docKey so both share one
// table instead of one migration each. Reads go through an in-process LRU
// since the same handful of documents (one sync-rules doc, one schema per
// table) are re-read on nearly every admin request.
type DocumentStore struct {
	conn    *DBConnection
	builder sq.StatementBuilderType
	cache   *lrucache.Cache
}

func NewDocumentStore(conn *DBConnection) *DocumentStore {
	placeholder := sq.Question
	if conn.Driver == "postgres" {
		placeholder = sq.Dollar
	}
	return &DocumentStore{
		conn:    conn,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
		cache:   lrucache.New(documentCacheBytes),
	}
}

func documentCacheKey(gatewayID, docKey string) string {
	return gatewayID + "/" + docKey
}

// SyncRulesKey is the docKey under which a gateway's single sync-rules
// document is stored.
const SyncRulesKey = "sync-rules"

// SchemaKey is the docKey for one table's schema document.
func SchemaKey(table string) string { return "schema:" + table }

func (s *DocumentStore) Save(gatewayID, docKey string, blob []byte) error {
	query, args, err := s.builder.Insert("gateway_documents").
		Columns("gateway_id", "doc_key", "doc_json", "updated_at").
		Values(gatewayID, docKey, string(blob), time.Now().Unix()).
		Suffix(s.upsertSuffix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("repository: build document upsert: %w", err)
	}
	if _, err := s.conn.DB.Exec(query, args...); err != nil {
		return fmt.Errorf("repository: save document %s/%s: %w", gatewayID, docKey, err)
	}
	s.cache.Del(documentCacheKey(gatewayID, docKey))
	return nil
}

func (s *DocumentStore) upsertSuffix() string {
	if s.conn.Driver == "mysql" {
		return "ON DUPLICATE KEY UPDATE doc_json = VALUES(doc_json), updated_at = VALUES(updated_at)"
	}
	return "ON CONFLICT (gateway_id, doc_key) DO UPDATE SET doc_json = excluded.doc_json, updated_at = excluded.updated_at"
}

// documentCacheEntry is the cached shape of one Load result. A distinct
// ok flag (rather than a nil blob) lets "document doesn't exist" be
// cached, since a not-found lookup is as likely to repeat as a hit.
type documentCacheEntry struct {
	blob []byte
	ok   bool
}

func (s *DocumentStore) Load(gatewayID, docKey string) ([]byte, bool, error) {
	var loadErr error
	raw := s.cache.Get(documentCacheKey(gatewayID, docKey), func() (interface{}, time.Duration, int) {
		blob, ok, err := s.loadFromDB(gatewayID, docKey)
		if err != nil {
			loadErr = err
			return documentCacheEntry{}, 0, 0
		}
		return documentCacheEntry{blob: blob, ok: ok}, documentCacheTTL, len(blob)
	})
	if loadErr != nil {
		return nil, false, loadErr
	}
	entry := raw.(documentCacheEntry)
	return entry.blob, entry.ok, nil
}

func (s *DocumentStore) loadFromDB(gatewayID, docKey string) ([]byte, bool, error) {
	query, args, err := s.builder.Select("doc_json").From("gateway_documents").
		Where(sq.Eq{"gateway_id": gatewayID, "doc_key": docKey}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("repository: build document query: %w", err)
	}
	var blob string
	err = s.conn.DB.QueryRowx(query, args...).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("repository: load document %s/%s: %w", gatewayID, docKey, err)
	}
	return []byte(blob), true, nil
}

// LoadAllSchemas returns every table's schema document for gatewayID,
// keyed by table name.
func (s *DocumentStore) LoadAllSchemas(gatewayID string) (map[string][]byte, error) {
	query, args, err := s.builder.Select("doc_key", "doc_json").From("gateway_documents").
		Where(sq.Eq{"gateway_id": gatewayID}).
		Where("doc_key LIKE 'schema:%'").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("repository: build schema list: %w", err)
	}
	rows, err := s.conn.DB.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: list schemas: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, blob string
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("repository: scan schema: %w", err)
		}
		out[key[len("schema:"):]] = []byte(blob)
	}
	return out, rows.Err()
}
