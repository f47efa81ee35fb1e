// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command lakesync-gatewayd runs the gateway process: it loads
// configuration, wires one Gateway/WebSocket/connector stack per
// configured gatewayId onto a shared control-plane database, and serves
// the sync and admin HTTP surface until a termination signal is received.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/lakesync/gateway/internal/auth"
	"github.com/lakesync/gateway/internal/buffer"
	"github.com/lakesync/gateway/internal/cluster"
	"github.com/lakesync/gateway/internal/config"
	"github.com/lakesync/gateway/internal/connector"
	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/httpapi"
	"github.com/lakesync/gateway/internal/metrics"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/internal/repository"
	"github.com/lakesync/gateway/internal/server"
	"github.com/lakesync/gateway/internal/storage"
	"github.com/lakesync/gateway/internal/storage/s3adapter"
	"github.com/lakesync/gateway/internal/storage/sqladapter"
	"github.com/lakesync/gateway/internal/syncrules"
	"github.com/lakesync/gateway/internal/wsgateway"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagConfigFile string
	var flagGops, flagMigrateDB bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default configuration with the JSON document at `config.json`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagMigrateDB, "migrate-db", false, "Apply pending control-plane migrations, then exit")
	flag.Parse()

	if err := config.Init(flagConfigFile); err != nil {
		log.Fatalf("config: %v", err)
	}
	config.Keys.GopsAgent = config.Keys.GopsAgent || flagGops

	controlDriver, controlDSN := controlPlaneTarget()
	if flagMigrateDB {
		if err := repository.MigrateDB(controlDriver, controlDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if err := repository.Connect(controlDriver, controlDSN); err != nil {
		log.Fatalf("repository: connect: %v", err)
	}
	conn := repository.GetConnection()

	rec := metrics.New()
	verifier := auth.NewVerifier(config.Keys.JWTSecret)

	connectorTypes := []httpapi.ConnectorType{
		{Type: "table-poller", Description: "polls a SQL table for cursor/diff-based changes"},
	}

	gateways := make(map[string]*httpapi.Instance, len(config.Keys.GatewayIDs))
	for _, id := range config.Keys.GatewayIDs {
		inst, err := buildInstance(id, conn, rec, verifier)
		if err != nil {
			log.Fatalf("server: build gateway %q: %v", id, err)
		}
		gateways[id] = inst
	}

	api := httpapi.New(verifier, gateways, rec, config.Keys.HTTP, connectorTypes)

	srv := server.New(server.Config{
		Addr:          config.Keys.Addr,
		DrainTimeout:  config.Keys.HTTP.DrainTimeout(),
		FlushInterval: config.Keys.Buffer.FlushInterval(),
		GopsEnabled:   config.Keys.GopsAgent,
	}, api, gateways)

	if err := srv.Run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// controlPlaneTarget picks the SQL connection backing connector configs,
// admin documents, and distributed locks. When the flush adapter is
// already a supported SQL driver it doubles as the control plane; an S3
// lake flush target (or a postgres flush driver, which repository does
// not speak) gets its own local SQLite control-plane file instead.
func controlPlaneTarget() (driver, dsn string) {
	if config.Keys.Storage.Kind == "sql" &&
		(config.Keys.Storage.Driver == "sqlite3" || config.Keys.Storage.Driver == "mysql") {
		return config.Keys.Storage.Driver, config.Keys.Storage.DSN
	}
	return "sqlite3", "./var/control.db"
}

func buildInstance(id string, conn *repository.DBConnection, rec *metrics.Recorder, verifier *auth.Verifier) (*httpapi.Instance, error) {
	store, err := openPersistence(id)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}

	clock := hlc.New()
	buf := buffer.New(clock, store, buffer.Limits{
		MaxBytes: config.Keys.Buffer.MaxBytes,
		MaxAge:   config.Keys.Buffer.MaxAge(),
	})
	if restored, err := store.LoadAll(); err != nil {
		log.Errorf("server: %s: load WAL: %v", id, err)
	} else {
		buf.Restore(restored)
	}

	gw := gateway.New(buf, store, rec, gateway.Limits{
		MaxPushDeltas: config.Keys.HTTP.MaxPushDeltas,
		MaxPullDeltas: 10_000,
	})

	adapter, flushFn, pingFn, closeAdapter, err := buildFlushTarget(id)
	if err != nil {
		return nil, fmt.Errorf("flush adapter: %w", err)
	}

	if config.Keys.Cluster.Enabled {
		if tableAdapter, ok := adapter.(storage.TableAdapter); ok {
			locker := clusterLocker(conn)
			consistency := cluster.Eventual
			if config.Keys.Cluster.Strong() {
				consistency = cluster.Strong
			}
			gw.SetCoordinator(cluster.New(id, locker, tableAdapter, consistency))
		} else {
			log.Warnf("server: %s: cluster enabled but flush adapter is not a TableAdapter, running single-instance", id)
		}
	}
	if actionHandler, ok := adapter.(storage.ActionHandler); ok {
		gw.RegisterActionHandler("storage", actionHandler)
	}

	docs := repository.NewDocumentStore(conn)
	if err := restoreDocuments(gw, docs, id); err != nil {
		log.Warnf("server: %s: restore admin documents: %v", id, err)
	}

	ws := wsgateway.New(verifier, gw, wsgateway.Limits{
		MaxConnections:    config.Keys.WebSocket.MaxConnections,
		MessagesPerSecond: config.Keys.WebSocket.MessagesPerSecond,
	}, config.Keys.HTTP.CORSAllowedOrigins)
	gw.SetBroadcaster(ws)

	configStore := connector.NewConfigStore(conn)
	connMgr := connector.NewManager(gw, configStore, store)
	connMgr.RegisterFactory("table-poller", connector.NewTablePollerFactory(conn.DB, clock, store))

	return &httpapi.Instance{
		ID:         id,
		Gateway:    gw,
		WS:         ws,
		Connectors: connMgr,
		Docs:       docs,
		Flush:      flushFn,
		Ping:       pingFn,
		Close: func() error {
			if err := store.Close(); err != nil {
				return err
			}
			return closeAdapter()
		},
	}, nil
}

func openPersistence(id string) (persistence.Store, error) {
	switch config.Keys.Persistence.Kind {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Keys.Persistence.Path
		if path == "" {
			path = "./var/gateway.db"
		}
		return persistence.NewSqliteStore(fmt.Sprintf("%s.%s.db", path, id))
	default:
		return nil, fmt.Errorf("unsupported persistence kind %q", config.Keys.Persistence.Kind)
	}
}

// buildFlushTarget opens the configured durable-flush adapter and returns
// it alongside a buffer.FlushFunc closure, a health-check function, and a
// cleanup function. The adapter itself is also returned so the caller can
// type-assert it for cluster write-through and admin action dispatch.
func buildFlushTarget(id string) (adapter any, flush buffer.FlushFunc, ping func(ctx context.Context) error, closeFn func() error, err error) {
	switch config.Keys.Storage.Kind {
	case "sql", "":
		a, err := sqladapter.Open(config.Keys.Storage.Driver, config.Keys.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		flush := func(batch []model.RowDelta) error {
			return a.WriteBatch(context.Background(), batch)
		}
		return a, flush, a.Ping, a.Close, nil
	case "s3":
		a, err := s3adapter.Open(context.Background(), s3adapter.Options{
			Bucket:   config.Keys.Storage.Bucket,
			Prefix:   config.Keys.Storage.Prefix,
			Region:   config.Keys.Storage.Region,
			Endpoint: config.Keys.Storage.Endpoint,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		flush := func(batch []model.RowDelta) error {
			for table, deltas := range groupByTable(batch) {
				if _, err := a.WriteBatch(context.Background(), table, windowStartMs(deltas), id, deltas); err != nil {
					return err
				}
			}
			return nil
		}
		return a, flush, a.Ping, a.Close, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported storage kind %q", config.Keys.Storage.Kind)
	}
}

func groupByTable(batch []model.RowDelta) map[string][]model.RowDelta {
	tables := make(map[string][]model.RowDelta)
	for _, d := range batch {
		tables[d.Table] = append(tables[d.Table], d)
	}
	return tables
}

func windowStartMs(deltas []model.RowDelta) int64 {
	var min int64
	for i, d := range deltas {
		wallMs, _ := d.HLC.Decode()
		ms := int64(wallMs)
		if i == 0 || ms < min {
			min = ms
		}
	}
	return min
}

func clusterLocker(conn *repository.DBConnection) cluster.Locker {
	if conn.Driver == "mysql" {
		return cluster.NewMySQLAdvisoryLocker(conn.DB)
	}
	return cluster.NewStoreLocker(conn.DB, config.Keys.Addr)
}

// restoreDocuments reloads persisted schemas and sync-rules for a gateway
// instance at startup. Schemas are informational today (the gateway does
// not yet enforce them); sync-rules are compiled and wired in immediately.
func restoreDocuments(gw *gateway.Gateway, docs *repository.DocumentStore, id string) error {
	blob, ok, err := docs.Load(id, repository.SyncRulesKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var doc model.SyncRules
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("decode sync-rules: %w", err)
	}
	compiled, err := syncrules.NewCompiledRules(doc)
	if err != nil {
		return fmt.Errorf("compile sync-rules: %w", err)
	}
	gw.SetRules(compiled)
	return nil
}
