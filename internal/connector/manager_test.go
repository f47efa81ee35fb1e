// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/buffer"
	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/internal/repository"
	"github.com/lakesync/gateway/pkg/hlc"
)

func openConfigFixture(t *testing.T) *ConfigStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE connector_configs (
		name TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		config_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewConfigStore(&repository.DBConnection{DB: db, Driver: "sqlite3"})
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	buf := buffer.New(hlc.New(), persistence.NewMemoryStore(), buffer.Limits{MaxBytes: 1 << 20})
	return gateway.New(buf, persistence.NewMemoryStore(), nil, gateway.Limits{MaxPushDeltas: 100, MaxPullDeltas: 100})
}

type stubConnector struct {
	running  bool
	startErr error
	stopErr  error
}

func (s *stubConnector) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}
func (s *stubConnector) Stop() error {
	s.running = false
	return s.stopErr
}
func (s *stubConnector) IsRunning() bool { return s.running }

func stubFactory(conn *stubConnector) Factory {
	return func(cfg model.ConnectorConfig, push PushTarget, state model.CursorState) (Connector, error) {
		return conn, nil
	}
}

func TestRegisterListUnregister(t *testing.T) {
	configs := openConfigFixture(t)
	gw := newTestGateway(t)
	cursors := persistence.NewMemoryStore()
	m := NewManager(gw, configs, cursors)
	m.RegisterFactory("stub", stubFactory(&stubConnector{}))

	require.NoError(t, m.Register(context.Background(), model.ConnectorConfig{Name: "c1", Type: "stub"}))

	statuses := m.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "c1", statuses[0].Name)
	assert.True(t, statuses[0].IsPolling)

	persisted, err := configs.LoadAll()
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	require.NoError(t, m.Unregister(context.Background(), "c1"))
	assert.Empty(t, m.List())

	persisted, err = configs.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRegisterUnknownTypeRejected(t *testing.T) {
	configs := openConfigFixture(t)
	gw := newTestGateway(t)
	m := NewManager(gw, configs, persistence.NewMemoryStore())

	err := m.Register(context.Background(), model.ConnectorConfig{Name: "c1", Type: "missing"})
	assert.Error(t, err)
}

func TestRegisterRollsBackConfigOnStartFailure(t *testing.T) {
	configs := openConfigFixture(t)
	gw := newTestGateway(t)
	m := NewManager(gw, configs, persistence.NewMemoryStore())
	m.RegisterFactory("stub", stubFactory(&stubConnector{startErr: errors.New("boom")}))

	err := m.Register(context.Background(), model.ConnectorConfig{Name: "c1", Type: "stub"})
	assert.Error(t, err)

	persisted, err := configs.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRestoreRebuildsFromPersistedConfigs(t *testing.T) {
	configs := openConfigFixture(t)
	require.NoError(t, configs.Save(model.ConnectorConfig{Name: "c1", Type: "stub"}))

	gw := newTestGateway(t)
	m := NewManager(gw, configs, persistence.NewMemoryStore())
	m.RegisterFactory("stub", stubFactory(&stubConnector{}))

	require.NoError(t, m.Restore(context.Background()))
	assert.Len(t, m.List(), 1)
}
