// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/storage"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// Consistency selects how a shared write-through failure is handled.
type Consistency string

const (
	Eventual Consistency = "eventual"
	Strong   Consistency = "strong"
)

// flushLockTTL matches spec's "acquire flush:<gatewayId> with a 30s TTL".
const flushLockTTL = 30 * time.Second

// Coordinator is the cross-instance half of the gateway: a distributed
// lock guarding periodic flush, and a shared table every instance writes
// through to and reads the tail of. A nil *Coordinator means
// single-instance mode; gateway.Gateway checks for that before using one.
type Coordinator struct {
	gatewayID   string
	locker      Locker
	shared      storage.TableAdapter
	consistency Consistency
}

func New(gatewayID string, locker Locker, shared storage.TableAdapter, consistency Consistency) *Coordinator {
	return &Coordinator{gatewayID: gatewayID, locker: locker, shared: shared, consistency: consistency}
}

// WriteThrough pushes an accepted batch to the shared adapter. Under
// eventual consistency a failure is logged and swallowed -- the local
// buffer already accepted the write and remains authoritative for this
// instance's own reads. Under strong consistency the error is returned so
// the caller can surface a 5xx to the pushing client.
func (c *Coordinator) WriteThrough(ctx context.Context, deltas []model.RowDelta) error {
	if err := c.shared.WriteBatch(ctx, deltas); err != nil {
		if c.consistency == Strong {
			return fmt.Errorf("cluster: shared write-through: %w", err)
		}
		log.Warnf("cluster: shared write-through failed under eventual consistency, local buffer remains authoritative: %v", err)
	}
	return nil
}

// MergePull merges locally-buffered deltas with the shared adapter's tail
// since sinceHLC, deduplicated by deltaId and HLC-sorted. tables is the
// set of tables to consult on the shared adapter; the gateway passes the
// distinct tables present in the local result, so a table with no local
// deltas in range is not consulted, since storage.TableAdapter.QueryRows
// is scoped to one table at a time.
func (c *Coordinator) MergePull(ctx context.Context, tables []string, local []model.RowDelta, sinceHLC hlc.Timestamp) ([]model.RowDelta, error) {
	seen := make(map[string]struct{}, len(local))
	merged := make([]model.RowDelta, 0, len(local))
	for _, d := range local {
		seen[d.DeltaID] = struct{}{}
		merged = append(merged, d)
	}

	for _, table := range tables {
		remote, err := c.shared.QueryRows(ctx, table, 0)
		if err != nil {
			return local, fmt.Errorf("cluster: shared query %s: %w", table, err)
		}
		for _, d := range remote {
			if d.HLC <= sinceHLC {
				continue
			}
			if _, dup := seen[d.DeltaID]; dup {
				continue
			}
			seen[d.DeltaID] = struct{}{}
			merged = append(merged, d)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].HLC < merged[j].HLC })
	return merged, nil
}

// TryAcquireFlushLock attempts the cluster-wide flush:<gatewayId> lock.
// false means another instance currently holds it; the caller should skip
// this flush cycle rather than wait.
func (c *Coordinator) TryAcquireFlushLock(ctx context.Context) (bool, error) {
	return c.locker.Acquire(ctx, c.flushLockKey(), flushLockTTL)
}

func (c *Coordinator) ReleaseFlushLock(ctx context.Context) error {
	return c.locker.Release(ctx, c.flushLockKey())
}

func (c *Coordinator) flushLockKey() string {
	return "flush:" + c.gatewayID
}
