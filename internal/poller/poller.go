// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package poller runs a connector's table-ingest jobs: a recursive,
// non-overlapping schedule that turns external table rows into deltas
// using either cursor or full-snapshot-diff change detection.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// PushFunc hands freshly-polled deltas to the gateway, exactly as if they
// had arrived from a client push.
type PushFunc func(deltas []model.RowDelta) error

// Poller runs every configured table-ingest job for one connector on its
// own schedule. start()/stop() are idempotent.
type Poller struct {
	connectorName string
	db            *sqlx.DB
	push          PushFunc
	clock         *hlc.Clock
	interval      time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	tables []*tableJob
}

// New builds a Poller for one connector's ingest configuration. state is
// the cursor state restored from persistence (may be zero-valued for a
// brand-new connector).
func New(connectorName string, db *sqlx.DB, push PushFunc, clock *hlc.Clock, cfg model.IngestConfig, state model.CursorState) *Poller {
	p := &Poller{
		connectorName: connectorName,
		db:            db,
		push:          push,
		clock:         clock,
		interval:      time.Duration(cfg.IntervalMs) * time.Millisecond,
	}
	for _, t := range cfg.Tables {
		p.tables = append(p.tables, newTableJob(t, state.Tables[t.Table]))
	}
	return p
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.loop(p.stopCh)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		p.poll()
		select {
		case <-stop:
			return
		case <-time.After(p.interval):
		}
	}
}

// poll runs every configured table job in sequence. A single table's
// failure is logged and does not prevent the others from running, nor
// does it stop the schedule.
func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, job := range p.tables {
		deltas, err := job.poll(ctx, p.db, p.clock)
		if err != nil {
			log.Errorf("poller: connector %s table %s: %v", p.connectorName, job.cfg.Table, err)
			continue
		}
		if len(deltas) == 0 {
			continue
		}
		if err := p.push(deltas); err != nil {
			log.Errorf("poller: connector %s table %s: push: %v", p.connectorName, job.cfg.Table, err)
		}
	}
}

// CursorState snapshots the resumption point of every table job. The table
// poller connector persists it on its own ticker and once more on Stop.
func (p *Poller) CursorState() model.CursorState {
	state := model.CursorState{ConnectorName: p.connectorName, Tables: make(map[string]model.TableCursor, len(p.tables))}
	for _, job := range p.tables {
		state.Tables[job.cfg.Table] = job.cursor()
	}
	return state
}

func rowsToMaps(rows *sqlx.Rows) ([]map[string]any, error) {
	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("poller: scan row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
