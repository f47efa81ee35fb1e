// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/internal/repository"
	"github.com/lakesync/gateway/internal/syncrules"
	"github.com/lakesync/gateway/pkg/schema"
)

func (s *Server) registerAdminRoutes(r *mux.Router) {
	r.HandleFunc("/flush/{gw}", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/schema/{gw}", s.handleSaveSchema).Methods(http.MethodPost)
	r.HandleFunc("/sync-rules/{gw}", s.handleSaveSyncRules).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{gw}", s.handleListConnectors).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{gw}", s.handleRegisterConnector).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{gw}/{name}", s.handleUnregisterConnector).Methods(http.MethodDelete)
	r.HandleFunc("/metrics/{gw}", s.handleGatewayMetrics).Methods(http.MethodGet)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	if err := inst.Gateway.Flush(inst.Flush); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}

func (s *Server) handleSaveSchema(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "failed to read body")
		return
	}
	if err := schema.Validate(schema.TableSchema, bytes.NewReader(body)); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}

	var doc struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Table == "" {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "schema document must name a table")
		return
	}

	if err := inst.Docs.Save(inst.ID, repository.SchemaKey(doc.Table), body); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleSaveSyncRules(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "failed to read body")
		return
	}
	if err := schema.Validate(schema.SyncRulesDoc, bytes.NewReader(body)); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}

	var doc model.SyncRules
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "malformed sync-rules document")
		return
	}
	compiled, err := syncrules.NewCompiledRules(doc)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}

	if err := inst.Docs.Save(inst.ID, repository.SyncRulesKey, body); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.CodeInternalError, err.Error())
		return
	}
	inst.Gateway.SetRules(compiled)
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	writeJSON(w, http.StatusOK, inst.Connectors.List())
}

func (s *Server) handleRegisterConnector(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "failed to read body")
		return
	}
	if err := schema.Validate(schema.ConnectorConfig, bytes.NewReader(body)); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}

	var cfg model.ConnectorConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, "malformed connector config")
		return
	}

	if err := inst.Connectors.Register(r.Context(), cfg); err != nil {
		if _, isQuota := err.(gateway.ErrQuotaExceeded); isQuota {
			writeError(w, r, http.StatusTooManyRequests, model.CodeQuotaExceeded, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

func (s *Server) handleUnregisterConnector(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	name := mux.Vars(r)["name"]
	if err := inst.Connectors.Unregister(r.Context(), name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.CodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unregistered": true})
}

func (s *Server) handleGatewayMetrics(w http.ResponseWriter, r *http.Request) {
	inst, _ := instanceFromContext(r.Context())
	stats := inst.Gateway.Buffer().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"gatewayId":    inst.ID,
		"bufferBytes":  stats.ByteSize,
		"bufferDeltas": stats.LogSize,
		"wsConns":      inst.WS.Count(),
		"connectors":   inst.Connectors.List(),
	})
}
