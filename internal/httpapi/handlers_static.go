// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
)

func (s *Server) registerStaticRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.PathPrefix("/v1/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/v1/openapi.json")))
	r.HandleFunc("/v1/connectors/types", s.handleConnectorTypes).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 while draining, or if any gateway's flush
// adapter fails to answer a ping within 5 seconds.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for id, inst := range s.gateways {
		if inst.Ping == nil {
			continue
		}
		if err := inst.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unready", "gateway": id, "error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openAPISpec)
}

func (s *Server) handleConnectorTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectorTypes)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such route")
}

// registerLegacyRedirects serves the pre-/v1 route shapes as 301s with a
// Sunset header, per spec's "unversioned legacy paths" note.
func (s *Server) registerLegacyRedirects(r *mux.Router) {
	legacy := map[string]string{
		"/sync/{gw}/push":       "/v1/sync/{gw}/push",
		"/sync/{gw}/pull":       "/v1/sync/{gw}/pull",
		"/sync/{gw}/action":     "/v1/sync/{gw}/action",
		"/sync/{gw}/actions":    "/v1/sync/{gw}/actions",
		"/sync/{gw}/ws":         "/v1/sync/{gw}/ws",
		"/admin/flush/{gw}":     "/v1/admin/flush/{gw}",
		"/admin/schema/{gw}":    "/v1/admin/schema/{gw}",
		"/admin/sync-rules/{gw}": "/v1/admin/sync-rules/{gw}",
		"/admin/connectors/{gw}": "/v1/admin/connectors/{gw}",
		"/admin/metrics/{gw}":   "/v1/admin/metrics/{gw}",
	}
	for oldPath, newTemplate := range legacy {
		target := newTemplate
		r.PathPrefix(oldPath).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dest := target
			for k, v := range mux.Vars(r) {
				dest = replaceVar(dest, k, v)
			}
			w.Header().Set("Sunset", "true")
			http.Redirect(w, r, dest, http.StatusMovedPermanently)
		})
	}
}

func replaceVar(template, key, value string) string {
	placeholder := "{" + key + "}"
	out := make([]byte, 0, len(template))
	for i := 0; i < len(template); {
		if i+len(placeholder) <= len(template) && template[i:i+len(placeholder)] == placeholder {
			out = append(out, value...)
			i += len(placeholder)
			continue
		}
		out = append(out, template[i])
		i++
	}
	return string(out)
}
