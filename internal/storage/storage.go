// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage declares the two shapes a flushed delta batch can land
// in: a queryable table (TableAdapter) or an append-only lake (LakeAdapter).
// Concrete adapters live in sqladapter and s3adapter.
package storage

import (
	"context"

	"github.com/lakesync/gateway/internal/model"
)

// TableAdapter durably stores flushed deltas in a form the gateway (or an
// admin client) can query back out, keyed by table and row.
type TableAdapter interface {
	WriteBatch(ctx context.Context, deltas []model.RowDelta) error
	QueryRows(ctx context.Context, table string, limit int) ([]model.RowDelta, error)
	Ping(ctx context.Context) error
	Close() error
}

// LakeAdapter stores flushed deltas as immutable batch objects, one per
// flush, for downstream analytics consumption rather than row lookups.
type LakeAdapter interface {
	WriteBatch(ctx context.Context, table string, windowStartMs int64, flushID string, deltas []model.RowDelta) (objectKey string, err error)
	Ping(ctx context.Context) error
	Close() error
}

// ActionHandler is implemented by adapters that expose admin-triggerable
// maintenance operations (e.g. sqladapter's "vacuum").
type ActionHandler interface {
	SupportedActions() []string
	ExecuteAction(ctx context.Context, name string, args map[string]any) (any, error)
}
