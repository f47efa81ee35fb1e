// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package model

import "github.com/lakesync/gateway/pkg/hlc"

// PushRequest is the body of POST /v1/sync/{gw}/push and of the WebSocket
// SyncPush frame payload.
type PushRequest struct {
	ClientID    string        `json:"clientId"`
	Deltas      []RowDelta    `json:"deltas"`
	LastSeenHLC hlc.Timestamp `json:"lastSeenHlc,omitempty"`
}

// PushResponse answers a PushRequest.
type PushResponse struct {
	Accepted   bool          `json:"accepted"`
	ServerHLC  hlc.Timestamp `json:"serverHlc"`
	Deltas     []RowDelta    `json:"deltas,omitempty"`
}

// PullRequest is the parsed form of GET /v1/sync/{gw}/pull's query string,
// and of the WebSocket SyncPull frame payload.
type PullRequest struct {
	ClientID  string        `json:"clientId"`
	SinceHLC  hlc.Timestamp `json:"sinceHlc"`
	MaxDeltas int           `json:"maxDeltas,omitempty"`
	Source    string        `json:"source,omitempty"`
}

// PullResponse answers a PullRequest.
type PullResponse struct {
	Deltas    []RowDelta    `json:"deltas"`
	ServerHLC hlc.Timestamp `json:"serverHlc"`
	HasMore   bool          `json:"hasMore"`
}

// Action is one imperative side-effect invocation dispatched to a
// connector's registered action handler.
type Action struct {
	ActionID   string         `json:"actionId"`
	Connector  string         `json:"connector"`
	ActionType string         `json:"actionType"`
	Params     map[string]any `json:"params,omitempty"`
	HLC        hlc.Timestamp  `json:"hlc,omitempty"`
}

// ActionBatch is the body of POST /v1/sync/{gw}/action.
type ActionBatch struct {
	ClientID string   `json:"clientId"`
	Actions  []Action `json:"actions"`
}

// ActionResult is one action's outcome. Exactly one of Result/ErrorCode is
// set.
type ActionResult struct {
	ActionID  string `json:"actionId"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ActionBatchResponse is the body of an action batch's 200 response; the
// envelope itself is always 200, individual actions carry their own error
// codes.
type ActionBatchResponse struct {
	Results []ActionResult `json:"results"`
}

// ActionDescriptor describes one action a connector's handler supports, for
// GET /v1/sync/{gw}/actions.
type ActionDescriptor struct {
	ActionType string `json:"actionType"`
	Summary    string `json:"summary,omitempty"`
}

// ErrorEnvelope is the body of every non-2xx JSON error response.
type ErrorEnvelope struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId"`
}

// Known machine-readable error codes.
const (
	CodeAuthError            = "AUTH_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeBadRequest           = "BAD_REQUEST"
	CodeActionNotSupported   = "ACTION_NOT_SUPPORTED"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
)
