// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package connector is the unified factory registry for external data
// sources: it owns each registered connector's lifecycle, config
// persistence, and cursor durability, and wires a connector's optional
// source/action capabilities into the gateway's registries.
package connector

import (
	"context"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
)

// Connector is the lifecycle every registered connector satisfies,
// regardless of whether it is API-polled or table-backed.
type Connector interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// PushTarget lets a poller-driven connector inject deltas exactly as if
// they had arrived via a client push. *gateway.Gateway satisfies this.
type PushTarget interface {
	HandlePush(ctx context.Context, push model.PushRequest, claims model.Claims) (model.PushResponse, error)
}

// SourceAdapter mirrors gateway.SourceAdapter; a Connector that also
// implements this is registered under its own name as a pull-time source.
type SourceAdapter interface {
	QueryDeltasSince(ctx context.Context, sinceHLC hlc.Timestamp) ([]model.RowDelta, error)
}

// ActionHandler mirrors gateway.ActionHandler; a Connector that also
// implements this is registered as the dispatch target for its actions.
type ActionHandler interface {
	SupportedActions() []string
	ExecuteAction(ctx context.Context, actionType string, params map[string]any) (any, error)
}

// Factory builds a Connector from its persisted config. state is the
// cursor state restored from the cursor store (zero-valued for a
// brand-new connector); a table-backed connector's poller resumes from it.
type Factory func(cfg model.ConnectorConfig, push PushTarget, state model.CursorState) (Connector, error)
