// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/internal/poller"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// NewTablePollerFactory builds a Factory for table-backed connectors: each
// registered connector gets its own poller.Poller against db, periodically
// snapshotting cursor state to cursors so a restart resumes without
// replaying already-emitted rows.
func NewTablePollerFactory(db *sqlx.DB, clock *hlc.Clock, cursors persistence.Store) Factory {
	return func(cfg model.ConnectorConfig, push PushTarget, state model.CursorState) (Connector, error) {
		ingest := model.IngestConfig{}
		if cfg.Ingest != nil {
			ingest = *cfg.Ingest
		}
		pushFn := func(deltas []model.RowDelta) error {
			_, err := push.HandlePush(context.Background(), model.PushRequest{
				ClientID: "connector:" + cfg.Name,
				Deltas:   deltas,
			}, model.Claims{ClientID: "connector:" + cfg.Name, Role: model.RoleAdmin})
			return err
		}
		p := poller.New(cfg.Name, db, pushFn, clock, ingest, state)

		interval := time.Duration(ingest.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 30 * time.Second
		}
		return &tablePollerConnector{name: cfg.Name, poller: p, cursors: cursors, interval: interval}, nil
	}
}

// tablePollerConnector adapts a poller.Poller to the Connector lifecycle
// and adds periodic cursor persistence, matching poller.Poller's own
// mutex+stopCh+wg shutdown idiom.
type tablePollerConnector struct {
	name     string
	poller   *poller.Poller
	cursors  persistence.Store
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (t *tablePollerConnector) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.poller.Start()
	t.running = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.snapshotLoop(t.stopCh)
	return nil
}

func (t *tablePollerConnector) snapshotLoop(stop <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.saveCursor()
		}
	}
}

func (t *tablePollerConnector) saveCursor() {
	state := t.poller.CursorState()
	blob, err := json.Marshal(state)
	if err != nil {
		log.Errorf("connector: marshal cursor for %s: %v", t.name, err)
		return
	}
	if err := t.cursors.SaveCursor(t.name, blob); err != nil {
		log.Errorf("connector: save cursor for %s: %v", t.name, err)
	}
}

func (t *tablePollerConnector) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
	t.poller.Stop()
	t.saveCursor()
	return nil
}

func (t *tablePollerConnector) IsRunning() bool {
	return t.poller.IsRunning()
}
