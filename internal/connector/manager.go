// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/pkg/log"
)

type connectorState struct {
	cfg  model.ConnectorConfig
	conn Connector
}

// Manager is the unified factory registry: one per gateway instance, owning
// every registered connector's lifecycle, its config-store entry, and its
// gateway source/action-handler registrations.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	states    map[string]*connectorState

	gw      *gateway.Gateway
	configs *ConfigStore
	cursors persistence.Store
}

func NewManager(gw *gateway.Gateway, configs *ConfigStore, cursors persistence.Store) *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		states:    make(map[string]*connectorState),
		gw:        gw,
		configs:   configs,
		cursors:   cursors,
	}
}

// RegisterFactory adds a connector type's builder. Call during startup
// wiring, before Restore or any client-driven Register.
func (m *Manager) RegisterFactory(connectorType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[connectorType] = f
}

// Register validates cfg, persists it, invokes its type's factory, and
// starts it. Any failure after the config is persisted rolls the
// config-store entry back, per spec.
func (m *Manager) Register(ctx context.Context, cfg model.ConnectorConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Name == "" {
		return fmt.Errorf("connector: name is required")
	}
	if _, exists := m.states[cfg.Name]; exists {
		return fmt.Errorf("connector: %q already registered", cfg.Name)
	}
	if _, ok := m.factories[cfg.Type]; !ok {
		return fmt.Errorf("connector: unknown type %q", cfg.Type)
	}

	if err := m.gw.CheckConnectionQuota(ctx); err != nil {
		return err
	}

	if err := m.configs.Save(cfg); err != nil {
		return fmt.Errorf("connector: persist config: %w", err)
	}

	conn, err := m.instantiate(ctx, cfg)
	if err != nil {
		if delErr := m.configs.Delete(cfg.Name); delErr != nil {
			log.Errorf("connector: rollback config for %s: %v", cfg.Name, delErr)
		}
		return err
	}

	m.states[cfg.Name] = &connectorState{cfg: cfg, conn: conn}
	return nil
}

// instantiate builds, starts, and wires a connector, without touching the
// config store -- shared by Register (config already persisted by the
// caller) and Restore (config already on disk from a previous run).
func (m *Manager) instantiate(ctx context.Context, cfg model.ConnectorConfig) (Connector, error) {
	factory := m.factories[cfg.Type]
	state, err := m.loadCursor(cfg.Name)
	if err != nil {
		return nil, err
	}

	conn, err := factory(cfg, m.gw, state)
	if err != nil {
		return nil, fmt.Errorf("connector: build %s: %w", cfg.Name, err)
	}
	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("connector: start %s: %w", cfg.Name, err)
	}

	if src, ok := conn.(gateway.SourceAdapter); ok {
		m.gw.RegisterSource(cfg.Name, src)
	}
	if handler, ok := conn.(gateway.ActionHandler); ok {
		m.gw.RegisterActionHandler(cfg.Name, handler)
	}
	return conn, nil
}

func (m *Manager) loadCursor(name string) (model.CursorState, error) {
	blob, ok, err := m.cursors.LoadCursor(name)
	if err != nil {
		return model.CursorState{}, fmt.Errorf("connector: load cursor %s: %w", name, err)
	}
	if !ok {
		return model.CursorState{ConnectorName: name}, nil
	}
	var state model.CursorState
	if err := json.Unmarshal(blob, &state); err != nil {
		return model.CursorState{}, fmt.Errorf("connector: unmarshal cursor %s: %w", name, err)
	}
	return state, nil
}

// Unregister stops the connector, closes any owned adapter, and removes it
// from both the gateway's registries and the config store.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[name]
	if !ok {
		return fmt.Errorf("connector: %q not registered", name)
	}

	if err := state.conn.Stop(); err != nil {
		log.Errorf("connector: stop %s: %v", name, err)
	}
	if closer, ok := state.conn.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Errorf("connector: close %s: %v", name, err)
		}
	}

	m.gw.UnregisterSource(name)
	m.gw.UnregisterActionHandler(name)

	if err := m.configs.Delete(name); err != nil {
		return fmt.Errorf("connector: delete config %s: %w", name, err)
	}
	delete(m.states, name)
	return nil
}

// List enumerates registered connectors with their live polling status.
func (m *Manager) List() []model.ConnectorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ConnectorStatus, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, model.ConnectorStatus{Name: s.cfg.Name, Type: s.cfg.Type, IsPolling: s.conn.IsRunning()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore re-registers every persisted connector config on startup. A
// single connector's failure is logged and does not block the rest.
func (m *Manager) Restore(ctx context.Context) error {
	configs, err := m.configs.LoadAll()
	if err != nil {
		return fmt.Errorf("connector: load configs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range configs {
		if _, ok := m.factories[cfg.Type]; !ok {
			log.Errorf("connector: restore %s: unknown type %q", cfg.Name, cfg.Type)
			continue
		}
		conn, err := m.instantiate(ctx, cfg)
		if err != nil {
			log.Errorf("connector: restore %s: %v", cfg.Name, err)
			continue
		}
		m.states[cfg.Name] = &connectorState{cfg: cfg, conn: conn}
	}
	return nil
}

// Shutdown stops every running connector, best-effort.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.states {
		if err := s.conn.Stop(); err != nil {
			log.Errorf("connector: shutdown stop %s: %v", name, err)
		}
	}
}
