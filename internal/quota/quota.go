// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package quota declares the gateway's per-organization plan-limit
// boundary. It is an external collaborator per spec -- the gateway only
// needs the interface; any concrete billing/plan system plugs in behind it.
package quota

import "context"

// Enforcer decides whether a gateway is allowed to accept more pushed
// deltas or open more connections under its plan's limits.
type Enforcer interface {
	AllowPush(ctx context.Context, gatewayID string, deltaCount int) error
	AllowConnection(ctx context.Context, gatewayID string) error
}

// NoopEnforcer allows everything -- the default when no quota system is
// configured.
type NoopEnforcer struct{}

func (NoopEnforcer) AllowPush(ctx context.Context, gatewayID string, deltaCount int) error {
	return nil
}

func (NoopEnforcer) AllowConnection(ctx context.Context, gatewayID string) error {
	return nil
}
