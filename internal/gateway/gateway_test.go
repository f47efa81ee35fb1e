// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/buffer"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/internal/syncrules"
	"github.com/lakesync/gateway/pkg/hlc"
)

type denyingEnforcer struct{ err error }

func (d denyingEnforcer) AllowPush(ctx context.Context, gatewayID string, deltaCount int) error {
	return d.err
}
func (d denyingEnforcer) AllowConnection(ctx context.Context, gatewayID string) error {
	return d.err
}

func newTestGateway() *Gateway {
	buf := buffer.New(hlc.New(), persistence.NewMemoryStore(), buffer.Limits{MaxBytes: 1 << 20})
	return New(buf, persistence.NewMemoryStore(), nil, Limits{MaxPushDeltas: 3, MaxPullDeltas: 100})
}

func TestHandlePushRejectsMissingClientID(t *testing.T) {
	g := newTestGateway()
	_, err := g.HandlePush(context.Background(), model.PushRequest{}, model.Claims{})
	assert.Error(t, err)
}

func TestHandlePushRejectsTooManyDeltas(t *testing.T) {
	g := newTestGateway()
	deltas := make([]model.RowDelta, 4)
	for i := range deltas {
		deltas[i] = model.RowDelta{Table: "todos", RowID: "r", Op: model.OpInsert}
	}
	_, err := g.HandlePush(context.Background(), model.PushRequest{ClientID: "c1", Deltas: deltas}, model.Claims{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrTooManyDeltas)
}

func TestHandlePushRejectedByQuotaEnforcer(t *testing.T) {
	g := newTestGateway()
	g.SetQuota(denyingEnforcer{err: errors.New("push quota exceeded")})

	_, err := g.HandlePush(context.Background(), model.PushRequest{
		ClientID: "c1",
		Deltas:   []model.RowDelta{{Table: "todos", RowID: "r1", Op: model.OpInsert}},
	}, model.Claims{ClientID: "c1"})

	require.Error(t, err)
	var quotaErr ErrQuotaExceeded
	assert.ErrorAs(t, err, &quotaErr)
}

func TestCheckConnectionQuotaRejectedByEnforcer(t *testing.T) {
	g := newTestGateway()
	g.SetQuota(denyingEnforcer{err: errors.New("connection quota exceeded")})

	err := g.CheckConnectionQuota(context.Background())
	require.Error(t, err)
	var quotaErr ErrQuotaExceeded
	assert.ErrorAs(t, err, &quotaErr)
}

func TestHandlePushThenPullReturnsAllDeltas(t *testing.T) {
	g := newTestGateway()
	push := model.PushRequest{ClientID: "c1", Deltas: []model.RowDelta{
		{Table: "todos", RowID: "row-1", Op: model.OpInsert, HLC: hlc.Encode(1_000, 0), Columns: []model.ColumnValue{{Column: "title", Value: "a"}}},
	}}
	resp, err := g.HandlePush(context.Background(), push, model.Claims{ClientID: "c1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Greater(t, uint64(resp.ServerHLC), uint64(0))

	pull, err := g.HandlePull(context.Background(), model.PullRequest{ClientID: "c2"}, model.Claims{})
	require.NoError(t, err)
	require.Len(t, pull.Deltas, 1)
	assert.Equal(t, "row-1", pull.Deltas[0].RowID)
}

func TestHandlePullFiltersBySyncRules(t *testing.T) {
	g := newTestGateway()
	push := model.PushRequest{ClientID: "c1", Deltas: []model.RowDelta{
		{Table: "todos", RowID: "r1", Op: model.OpInsert, HLC: hlc.Encode(1_000, 0), Columns: []model.ColumnValue{{Column: "owner", Value: "b"}}},
	}}
	_, err := g.HandlePush(context.Background(), push, model.Claims{ClientID: "c1"})
	require.NoError(t, err)

	rules := model.SyncRules{Buckets: []model.Bucket{{
		Name: "own", Tables: []string{"todos"},
		Filters: []model.Filter{{Column: "owner", Op: model.FilterEq, Value: "claim:sub"}},
	}}}
	compiled, err := syncrules.NewCompiledRules(rules)
	require.NoError(t, err)
	g.SetRules(compiled)

	pull, err := g.HandlePull(context.Background(), model.PullRequest{ClientID: "c2"}, model.Claims{ClientID: "a"})
	require.NoError(t, err)
	assert.Empty(t, pull.Deltas)

	pull, err = g.HandlePull(context.Background(), model.PullRequest{ClientID: "c2"}, model.Claims{ClientID: "b"})
	require.NoError(t, err)
	assert.Len(t, pull.Deltas, 1)
}

type stubActionHandler struct {
	actions []string
	execErr error
}

func (s stubActionHandler) SupportedActions() []string { return s.actions }
func (s stubActionHandler) ExecuteAction(ctx context.Context, actionType string, params map[string]any) (any, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	return map[string]any{"ok": true}, nil
}

func TestHandleActionUnknownConnectorNotSupported(t *testing.T) {
	g := newTestGateway()
	resp := g.HandleAction(context.Background(), model.ActionBatch{
		ClientID: "c1",
		Actions:  []model.Action{{ActionID: "a1", Connector: "missing", ActionType: "noop"}},
	})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.CodeActionNotSupported, resp.Results[0].ErrorCode)
}

func TestHandleActionDispatchesToRegisteredHandler(t *testing.T) {
	g := newTestGateway()
	g.RegisterActionHandler("crm", stubActionHandler{actions: []string{"sendEmail"}})

	resp := g.HandleAction(context.Background(), model.ActionBatch{
		ClientID: "c1",
		Actions:  []model.Action{{ActionID: "a1", Connector: "crm", ActionType: "sendEmail"}},
	})
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].ErrorCode)
	assert.NotNil(t, resp.Results[0].Result)
}

func TestHandleActionHandlerErrorSurfacesNotSupported(t *testing.T) {
	g := newTestGateway()
	g.RegisterActionHandler("crm", stubActionHandler{execErr: errors.New("boom")})

	resp := g.HandleAction(context.Background(), model.ActionBatch{
		ClientID: "c1",
		Actions:  []model.Action{{ActionID: "a1", Connector: "crm", ActionType: "sendEmail"}},
	})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.CodeActionNotSupported, resp.Results[0].ErrorCode)
}
