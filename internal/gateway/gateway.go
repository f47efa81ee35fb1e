// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway orchestrates the sync protocol: push/pull/flush/action,
// the source and action-handler registries, and wiring between the
// buffer, persistence, sync-rules evaluator, cluster coordinator, and
// WebSocket broadcaster.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lakesync/gateway/internal/buffer"
	"github.com/lakesync/gateway/internal/cluster"
	"github.com/lakesync/gateway/internal/metrics"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/persistence"
	"github.com/lakesync/gateway/internal/quota"
	"github.com/lakesync/gateway/internal/syncrules"
	"github.com/lakesync/gateway/pkg/hlc"
	"github.com/lakesync/gateway/pkg/log"
)

// ErrTooManyDeltas is returned by HandlePush when a batch exceeds the
// configured per-push delta cap.
var ErrTooManyDeltas = errors.New("gateway: too many deltas in push")

// ErrQuotaExceeded wraps a quota.Enforcer rejection at a push or
// connector-register boundary.
type ErrQuotaExceeded struct{ Err error }

func (e ErrQuotaExceeded) Error() string { return e.Err.Error() }
func (e ErrQuotaExceeded) Unwrap() error { return e.Err }

// ErrValidation covers every other push/pull/action shape violation.
type ErrValidation struct{ Msg string }

func (e ErrValidation) Error() string { return e.Msg }

// SourceAdapter is a registered connector's queryable delta source, used
// by HandlePull when the caller names it via PullRequest.Source.
type SourceAdapter interface {
	QueryDeltasSince(ctx context.Context, sinceHLC hlc.Timestamp) ([]model.RowDelta, error)
}

// ActionHandler dispatches imperative side-effect actions for one
// connector.
type ActionHandler interface {
	SupportedActions() []string
	ExecuteAction(ctx context.Context, actionType string, params map[string]any) (any, error)
}

// Broadcaster is implemented by wsgateway.Manager; kept as an interface
// here so gateway never imports wsgateway directly.
type Broadcaster interface {
	Broadcast(delta model.RowDelta, originatingClientID string)
}

// Limits bounds push/pull request shapes.
type Limits struct {
	MaxPushDeltas int
	MaxPullDeltas int
}

// Gateway is the sync protocol's single point of orchestration for one
// gateway instance.
type Gateway struct {
	GatewayID string

	buf     *buffer.Buffer
	store   persistence.Store
	rules   *syncrules.CompiledRules // nilable: no rules configured means allow-all
	coord   *cluster.Coordinator     // nilable: single-instance mode
	ws      Broadcaster              // nilable: wired once the server starts listening
	metrics *metrics.Recorder
	limits  Limits
	quota   quota.Enforcer

	mu       sync.RWMutex
	sources  map[string]SourceAdapter
	actions  map[string]ActionHandler

	rulesMu sync.RWMutex
}

func New(buf *buffer.Buffer, store persistence.Store, rec *metrics.Recorder, limits Limits) *Gateway {
	return &Gateway{
		buf:     buf,
		store:   store,
		metrics: rec,
		limits:  limits,
		quota:   quota.NoopEnforcer{},
		sources: make(map[string]SourceAdapter),
		actions: make(map[string]ActionHandler),
	}
}

// SetQuota wires a quota.Enforcer to check at push and connector-register
// boundaries. Unset, the gateway defaults to quota.NoopEnforcer.
func (g *Gateway) SetQuota(e quota.Enforcer) {
	if e == nil {
		e = quota.NoopEnforcer{}
	}
	g.quota = e
}

// SetRules swaps the active sync-rules document. Safe to call concurrently
// with evaluation -- a pull in flight sees either the old or new rules,
// never a half-updated one, since CompiledRules is immutable once built.
func (g *Gateway) SetRules(rules *syncrules.CompiledRules) {
	g.rulesMu.Lock()
	g.rules = rules
	g.rulesMu.Unlock()
}

func (g *Gateway) activeRules() *syncrules.CompiledRules {
	g.rulesMu.RLock()
	defer g.rulesMu.RUnlock()
	return g.rules
}

// SetCoordinator wires (or clears, with nil) the cluster coordinator.
func (g *Gateway) SetCoordinator(c *cluster.Coordinator) { g.coord = c }

// CheckConnectionQuota enforces the connector-register boundary: called by
// internal/connector.Manager.Register before a new connector is
// instantiated, never on startup Restore of already-registered connectors.
func (g *Gateway) CheckConnectionQuota(ctx context.Context) error {
	if err := g.quota.AllowConnection(ctx, g.GatewayID); err != nil {
		return ErrQuotaExceeded{Err: err}
	}
	return nil
}

// SetBroadcaster wires the WebSocket manager once the server is serving.
func (g *Gateway) SetBroadcaster(b Broadcaster) { g.ws = b }

// RegisterSource adds a connector's queryable adapter under name.
func (g *Gateway) RegisterSource(name string, adapter SourceAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[name] = adapter
}

func (g *Gateway) UnregisterSource(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sources, name)
}

// RegisterActionHandler adds a connector's action dispatch target under
// name.
func (g *Gateway) RegisterActionHandler(name string, handler ActionHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions[name] = handler
}

func (g *Gateway) UnregisterActionHandler(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.actions, name)
}

func (g *Gateway) sourceFor(name string) (SourceAdapter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.sources[name]
	return a, ok
}

func (g *Gateway) actionHandlerFor(name string) (ActionHandler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.actions[name]
	return h, ok
}

// DescribeActions lists every registered connector's supported actions.
func (g *Gateway) DescribeActions() map[string][]model.ActionDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]model.ActionDescriptor, len(g.actions))
	for name, handler := range g.actions {
		var descs []model.ActionDescriptor
		for _, t := range handler.SupportedActions() {
			descs = append(descs, model.ActionDescriptor{ActionType: t})
		}
		out[name] = descs
	}
	return out
}

func validatePush(push model.PushRequest, maxDeltas int) error {
	if push.ClientID == "" {
		return ErrValidation{"clientId is required"}
	}
	if maxDeltas > 0 && len(push.Deltas) > maxDeltas {
		return ErrTooManyDeltas
	}
	for i, d := range push.Deltas {
		if d.Table == "" || d.RowID == "" {
			return ErrValidation{fmt.Sprintf("delta %d missing table or rowId", i)}
		}
		switch d.Op {
		case model.OpInsert, model.OpUpdate, model.OpDelete:
		default:
			return ErrValidation{fmt.Sprintf("delta %d has invalid op %q", i, d.Op)}
		}
	}
	return nil
}

// HandlePush validates, appends to the buffer, persists, write-throughs to
// the cluster's shared adapter, and broadcasts to other WebSocket clients.
// Buffer append and persistence append happen synchronously so a returned
// success means the push already survived a crash-and-restart.
func (g *Gateway) HandlePush(ctx context.Context, push model.PushRequest, claims model.Claims) (model.PushResponse, error) {
	if err := validatePush(push, g.limits.MaxPushDeltas); err != nil {
		g.recordPush("error")
		return model.PushResponse{}, err
	}

	if err := g.quota.AllowPush(ctx, g.GatewayID, len(push.Deltas)); err != nil {
		g.recordPush("error")
		return model.PushResponse{}, ErrQuotaExceeded{Err: err}
	}

	for i := range push.Deltas {
		if err := push.Deltas[i].EnsureDeltaID(); err != nil {
			g.recordPush("error")
			return model.PushResponse{}, fmt.Errorf("gateway: assign delta id: %w", err)
		}
		if push.Deltas[i].ClientID == "" {
			push.Deltas[i].ClientID = push.ClientID
		}
	}

	if err := g.store.AppendBatch(push.Deltas); err != nil {
		g.recordPush("error")
		return model.PushResponse{}, fmt.Errorf("gateway: persist push: %w", err)
	}

	result, err := g.buf.Append(push.Deltas)
	if err != nil {
		g.recordPush("error")
		return model.PushResponse{}, fmt.Errorf("gateway: buffer append: %w", err)
	}

	if g.coord != nil {
		if err := g.coord.WriteThrough(ctx, push.Deltas); err != nil {
			g.recordPush("error")
			return model.PushResponse{}, fmt.Errorf("gateway: shared write-through: %w", err)
		}
	}

	if g.ws != nil {
		go g.broadcastAll(push.Deltas, push.ClientID)
	}

	if g.metrics != nil {
		g.metrics.BufferDeltas.Set(float64(g.buf.Stats().LogSize))
		g.metrics.BufferBytes.Set(float64(g.buf.Stats().ByteSize))
	}
	g.recordPush("ok")

	return model.PushResponse{Accepted: true, ServerHLC: result.ServerHLC}, nil
}

func (g *Gateway) broadcastAll(deltas []model.RowDelta, originatingClientID string) {
	for _, d := range deltas {
		g.ws.Broadcast(d, originatingClientID)
	}
}

func (g *Gateway) recordPush(status string) {
	if g.metrics != nil {
		g.metrics.PushTotal.WithLabelValues(status).Inc()
	}
}

// Matches implements wsgateway.Handler's sync-rule check for broadcast
// filtering.
func (g *Gateway) Matches(delta model.RowDelta, claims model.Claims) bool {
	rules := g.activeRules()
	if rules == nil {
		return true
	}
	return rules.Evaluate(delta, claims)
}

func distinctTables(deltas []model.RowDelta) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range deltas {
		if _, ok := seen[d.Table]; ok {
			continue
		}
		seen[d.Table] = struct{}{}
		out = append(out, d.Table)
	}
	return out
}

func clampLimit(requested, max int) int {
	if requested <= 0 || (max > 0 && requested > max) {
		return max
	}
	return requested
}

// HandlePull serves buffered (or adapter-sourced) deltas since pull.SinceHLC,
// filtered by the active sync rules for claims.
func (g *Gateway) HandlePull(ctx context.Context, pull model.PullRequest, claims model.Claims) (model.PullResponse, error) {
	if pull.ClientID == "" {
		g.recordPull("error")
		return model.PullResponse{}, ErrValidation{"clientId is required"}
	}
	limit := clampLimit(pull.MaxDeltas, g.limits.MaxPullDeltas)

	rules := g.activeRules()
	filter := func(d model.RowDelta) bool {
		if rules == nil {
			return true
		}
		return rules.Evaluate(d, claims)
	}

	var (
		deltas  []model.RowDelta
		hasMore bool
	)

	if pull.Source != "" {
		source, ok := g.sourceFor(pull.Source)
		if !ok {
			g.recordPull("error")
			return model.PullResponse{}, ErrValidation{fmt.Sprintf("unknown source %q", pull.Source)}
		}
		all, err := source.QueryDeltasSince(ctx, pull.SinceHLC)
		if err != nil {
			g.recordPull("error")
			return model.PullResponse{}, fmt.Errorf("gateway: source query: %w", err)
		}
		for _, d := range all {
			if filter(d) {
				deltas = append(deltas, d)
			}
		}
		if limit > 0 && len(deltas) > limit {
			deltas, hasMore = deltas[:limit], true
		}
	} else {
		deltas, hasMore = g.buf.QuerySince(pull.SinceHLC, limit, filter)
		if g.coord != nil {
			merged, err := g.coord.MergePull(ctx, distinctTables(deltas), deltas, pull.SinceHLC)
			if err != nil {
				log.Warnf("gateway: cluster merge pull failed, returning local-only results: %v", err)
			} else {
				deltas = nil
				for _, d := range merged {
					if filter(d) {
						deltas = append(deltas, d)
					}
				}
			}
		}
	}

	var serverHLC hlc.Timestamp
	for _, d := range deltas {
		if d.HLC > serverHLC {
			serverHLC = d.HLC
		}
	}

	g.recordPull("ok")
	return model.PullResponse{Deltas: deltas, ServerHLC: serverHLC, HasMore: hasMore}, nil
}

func (g *Gateway) recordPull(status string) {
	if g.metrics != nil {
		g.metrics.PullTotal.WithLabelValues(status).Inc()
	}
}

// HandleAction dispatches each action in batch to its connector's handler.
// An unknown connector or unsupported action type yields a per-action
// ACTION_NOT_SUPPORTED result; the overall response is always success.
func (g *Gateway) HandleAction(ctx context.Context, batch model.ActionBatch) model.ActionBatchResponse {
	results := make([]model.ActionResult, 0, len(batch.Actions))
	for _, action := range batch.Actions {
		results = append(results, g.dispatchAction(ctx, action))
	}
	return model.ActionBatchResponse{Results: results}
}

func (g *Gateway) dispatchAction(ctx context.Context, action model.Action) model.ActionResult {
	handler, ok := g.actionHandlerFor(action.Connector)
	if !ok {
		return model.ActionResult{ActionID: action.ActionID, ErrorCode: model.CodeActionNotSupported,
			Error: fmt.Sprintf("no handler registered for connector %q", action.Connector)}
	}
	result, err := handler.ExecuteAction(ctx, action.ActionType, action.Params)
	if err != nil {
		return model.ActionResult{ActionID: action.ActionID, ErrorCode: model.CodeActionNotSupported, Error: err.Error()}
	}
	return model.ActionResult{ActionID: action.ActionID, Result: result}
}

// Flush drains the buffer to write, an adapter-backed write function the
// server supplies (see internal/server).
func (g *Gateway) Flush(write buffer.FlushFunc) error {
	err := g.buf.Flush(write)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if g.metrics != nil {
		g.metrics.FlushTotal.WithLabelValues(status).Inc()
	}
	return err
}

// Buffer exposes the underlying buffer for the server's startup rehydration
// and stats reporting.
func (g *Gateway) Buffer() *buffer.Buffer { return g.buf }

// Coordinator exposes the cluster coordinator, nil in single-instance mode,
// so the server can guard periodic flush with the cross-instance flush lock.
func (g *Gateway) Coordinator() *cluster.Coordinator { return g.coord }
