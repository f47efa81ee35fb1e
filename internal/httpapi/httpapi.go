// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package httpapi wires the gateway's REST and admin HTTP surface onto a
// gorilla/mux router, with the ordered middleware chain spec's C11
// describes: security headers, CORS, static routes, drain guard, request
// timeout, in-flight accounting, routing, auth, and per-client rate
// limiting.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/lakesync/gateway/internal/auth"
	"github.com/lakesync/gateway/internal/buffer"
	"github.com/lakesync/gateway/internal/config"
	"github.com/lakesync/gateway/internal/connector"
	"github.com/lakesync/gateway/internal/gateway"
	"github.com/lakesync/gateway/internal/metrics"
	"github.com/lakesync/gateway/internal/repository"
	"github.com/lakesync/gateway/internal/wsgateway"
)

// Instance bundles one configured gatewayId's worth of collaborators. The
// server holds one per entry in config.Keys.GatewayIDs; the router looks
// one up from the {gw} path variable on every sync/admin request.
type Instance struct {
	ID         string
	Gateway    *gateway.Gateway
	WS         *wsgateway.Manager
	Connectors *connector.Manager
	Docs       *repository.DocumentStore
	// Flush drains the buffer to the configured storage adapter; required
	// for the admin flush endpoint and the server's periodic scheduler.
	Flush buffer.FlushFunc
	// Ping checks the flush storage adapter's health for /ready. Nilable.
	Ping func(ctx context.Context) error
	// Close releases this instance's persistence and storage-adapter
	// resources during graceful shutdown. Nilable.
	Close func() error
}

// ConnectorType describes one registered connector factory for the
// unauthenticated GET /v1/connectors/types listing.
type ConnectorType struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Server owns the router and every cross-cutting concern in the HTTP
// pipeline. Route handlers live in handlers_sync.go, handlers_admin.go and
// handlers_static.go; middleware lives in middleware.go.
type Server struct {
	router  *mux.Router
	handler http.Handler

	verifier *auth.Verifier
	metrics  *metrics.Recorder
	httpCfg  config.HTTPConfig

	gateways       map[string]*Instance
	connectorTypes []ConnectorType

	draining  atomic.Bool
	inFlight  atomic.Int64
	startedAt time.Time

	limiters sync.Map // clientID -> *rate.Limiter
}

// New builds the router for the given set of gateway instances, keyed by
// gatewayId.
func New(verifier *auth.Verifier, gateways map[string]*Instance, rec *metrics.Recorder, httpCfg config.HTTPConfig, connectorTypes []ConnectorType) *Server {
	s := &Server{
		verifier:       verifier,
		metrics:        rec,
		httpCfg:        httpCfg,
		gateways:       gateways,
		connectorTypes: connectorTypes,
		startedAt:      time.Now(),
	}
	s.router = s.buildRouter()
	s.handler = s.recoverMiddleware(s.router)
	return s
}

// Router returns the composed http.Handler to pass to http.Server.
func (s *Server) Router() http.Handler { return s.handler }

// SetDraining flips the drain guard; once true, /v1/sync and /v1/admin
// requests receive 503 and /ready reports unready.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// InFlight reports the number of requests currently past the counter
// middleware, used by graceful shutdown to decide when draining is done.
func (s *Server) InFlight() int64 { return s.inFlight.Load() }

func (s *Server) instanceFor(gatewayID string) (*Instance, bool) {
	inst, ok := s.gateways[gatewayID]
	return inst, ok
}

func (s *Server) limiterFor(clientID string) *rate.Limiter {
	if v, ok := s.limiters.Load(clientID); ok {
		return v.(*rate.Limiter)
	}
	perMinute := s.httpCfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 100
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	actual, _ := s.limiters.LoadOrStore(clientID, lim)
	return actual.(*rate.Limiter)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.corsMiddleware)

	s.registerStaticRoutes(r)

	sync := r.PathPrefix("/v1/sync/{gw}").Subrouter()
	sync.Use(s.drainGuardMiddleware)
	sync.Use(s.timeoutMiddleware)
	sync.Use(s.inFlightMiddleware)
	sync.Use(s.cacheControlMiddleware)
	sync.Use(s.authMiddleware(false))
	sync.Use(s.rateLimitMiddleware)
	s.registerSyncRoutes(sync)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.Use(s.drainGuardMiddleware)
	admin.Use(s.timeoutMiddleware)
	admin.Use(s.inFlightMiddleware)
	admin.Use(s.cacheControlMiddleware)
	admin.Use(s.authMiddleware(true))
	admin.Use(s.rateLimitMiddleware)
	s.registerAdminRoutes(admin)

	s.registerLegacyRedirects(r)

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return r
}
