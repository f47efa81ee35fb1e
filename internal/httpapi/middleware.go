// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/log"
)

type ctxKey int

const (
	ctxKeyClaims ctxKey = iota
	ctxKeyRequestID
	ctxKeyInstance
)

func claimsFromContext(ctx context.Context) (model.Claims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(model.Claims)
	return c, ok
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func instanceFromContext(ctx context.Context) (*Instance, bool) {
	inst, ok := ctx.Value(ctxKeyInstance).(*Instance)
	return inst, ok
}

// securityHeadersMiddleware stamps the fixed headers every response carries
// and assigns a request ID used by logging and the error envelope.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cacheControlMiddleware marks every /v1/sync and /v1/admin response
// uncacheable, per spec.
func (s *Server) cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware wraps next in gorilla/handlers' CORS handler, reflecting
// the request Origin when no allow-list is configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	validate := func(origin string) bool {
		if len(s.httpCfg.CORSAllowedOrigins) == 0 {
			return true
		}
		for _, allowed := range s.httpCfg.CORSAllowedOrigins {
			if strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
	cors := handlers.CORS(
		handlers.AllowedOriginValidator(validate),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return cors(next)
}

// drainGuardMiddleware rejects sync/admin traffic with 503 while the server
// is shutting down.
func (s *Server) drainGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeError(w, r, http.StatusServiceUnavailable, model.CodeInternalError, "server is draining")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds request handling to the configured duration.
// WebSocket upgrades are exempt — a TimeoutHandler can't coexist with a
// hijacked connection.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	d := time.Duration(s.httpCfg.RequestTimeoutMs) * time.Millisecond
	if d <= 0 {
		d = 30 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}
		http.TimeoutHandler(next, d, `{"error":"request timed out","code":"INTERNAL_ERROR"}`).ServeHTTP(w, r)
	})
}

// inFlightMiddleware tracks concurrently-served requests for the readiness
// gauge and graceful-shutdown drain wait.
func (s *Server) inFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inFlight.Add(1)
		if s.metrics != nil {
			s.metrics.ActiveHTTP.Inc()
		}
		defer func() {
			s.inFlight.Add(-1)
			if s.metrics != nil {
				s.metrics.ActiveHTTP.Dec()
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the {gw} path variable against configured
// instances (404 on mismatch), verifies the bearer token, enforces the
// gateway and admin-role claims, and stores the resolved instance and
// claims on the request context for handlers.
func (s *Server) authMiddleware(requireAdmin bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gw := mux.Vars(r)["gw"]
			inst, ok := s.instanceFor(gw)
			if !ok {
				writeError(w, r, http.StatusNotFound, model.CodeNotFound, "unknown gateway")
				return
			}

			claims := model.Claims{GatewayID: gw}
			if s.verifier != nil && s.verifier.Enabled() {
				token := bearerToken(r)
				if token == "" {
					writeError(w, r, http.StatusUnauthorized, model.CodeAuthError, "missing bearer token")
					return
				}
				c, err := s.verifier.Verify(token)
				if err != nil {
					writeError(w, r, http.StatusUnauthorized, model.CodeAuthError, "invalid or expired token")
					return
				}
				claims = c
				if claims.GatewayID != gw {
					writeError(w, r, http.StatusForbidden, model.CodeAuthError, "token gateway claim does not match route")
					return
				}
				if requireAdmin && claims.Role != model.RoleAdmin {
					writeError(w, r, http.StatusForbidden, model.CodeAuthError, "admin role required")
					return
				}
			} else {
				claims.ClientID = r.URL.Query().Get("clientId")
			}

			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			ctx = context.WithValue(ctx, ctxKeyInstance, inst)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// rateLimitMiddleware enforces a per-client token bucket, refilling at
// httpCfg.RateLimitPerMinute per minute.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := claimsFromContext(r.Context())
		clientID := claims.ClientID
		if clientID == "" {
			clientID = r.RemoteAddr
		}
		lim := s.limiterFor(clientID)
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, model.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware wraps the whole router so a handler panic becomes a
// logged 500 instead of crashing the listener goroutine.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}), handlers.PrintRecoveryStack(true))(next)
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	log.Errorf("httpapi: panic recovered: %v", v)
}

// parseIntQuery returns (def, true) for an absent query parameter, and
// (0, false) for one present but not a valid integer -- callers must tell
// the two apart to reject a malformed value instead of silently defaulting.
func parseIntQuery(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
