// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/hlc"
)

func (s *Server) registerSyncRoutes(r *mux.Router) {
	r.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	r.HandleFunc("/pull", s.handlePull).Methods(http.MethodGet)
	r.HandleFunc("/action", s.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/actions", s.handleActions).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) maxPushBytes() int64 {
	if s.httpCfg.MaxPushBytes > 0 {
		return s.httpCfg.MaxPushBytes
	}
	return 1 << 20
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	maxBytes := s.maxPushBytes()
	if r.ContentLength > maxBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.CodeBadRequest, "push payload exceeds size limit")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "failed to read body")
		return
	}
	if int64(len(body)) > maxBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.CodeBadRequest, "push payload exceeds size limit")
		return
	}

	var push model.PushRequest
	if err := json.Unmarshal(body, &push); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "malformed push body")
		return
	}

	if claims.ClientID != "" && push.ClientID != "" && push.ClientID != claims.ClientID {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "clientId does not match authenticated subject")
		return
	}
	if push.ClientID == "" {
		push.ClientID = claims.ClientID
	}

	resp, err := inst.Gateway.HandlePush(r.Context(), push, claims)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())
	q := r.URL.Query()

	clientID := q.Get("clientId")
	if clientID == "" {
		clientID = claims.ClientID
	}
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "clientId is required")
		return
	}

	since, ok := parseIntQuery(r, "since", 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "since must be numeric")
		return
	}
	limit, ok := parseIntQuery(r, "limit", 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "limit must be numeric")
		return
	}
	if limit > 10_000 {
		limit = 10_000
	}

	pull := model.PullRequest{
		ClientID:  clientID,
		SinceHLC:  hlc.Timestamp(since),
		MaxDeltas: limit,
		Source:    q.Get("source"),
	}

	resp, err := inst.Gateway.HandlePull(r.Context(), pull, claims)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	var batch model.ActionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "malformed action batch")
		return
	}
	if batch.ClientID == "" {
		batch.ClientID = claims.ClientID
	}

	resp := inst.Gateway.HandleAction(r.Context(), batch)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	writeJSON(w, http.StatusOK, inst.Gateway.DescribeActions())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	inst.WS.Upgrade(w, r, inst.ID)
}
