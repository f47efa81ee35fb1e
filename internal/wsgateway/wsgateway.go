// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wsgateway implements the gateway's WebSocket surface: upgrade
// with JWT validation, a tag-byte-framed binary protocol, per-connection
// rate limiting, and best-effort sync-rule-filtered broadcast.
package wsgateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lakesync/gateway/internal/auth"
	"github.com/lakesync/gateway/internal/model"
	"github.com/lakesync/gateway/pkg/log"
)

// Frame tags, per spec's framed protocol.
const (
	TagSyncPush  byte = 0x01
	TagSyncPull  byte = 0x02
	TagBroadcast byte = 0x10
)

const (
	CloseMalformed = 1002
	ClosePolicy    = 1008
	CloseShutdown  = 1001
)

// Handler is implemented by whatever owns push/pull semantics --
// gateway.Gateway in production, a stub in tests.
type Handler interface {
	HandlePush(ctx context.Context, push model.PushRequest, claims model.Claims) (model.PushResponse, error)
	HandlePull(ctx context.Context, pull model.PullRequest, claims model.Claims) (model.PullResponse, error)
	Matches(delta model.RowDelta, claims model.Claims) bool
}

// Limits configures connection and message-rate caps.
type Limits struct {
	MaxConnections    int
	MessagesPerSecond int
}

// Manager owns every open WebSocket connection for one gateway instance.
type Manager struct {
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	handler  Handler
	limits   Limits

	clients sync.Map // clientID -> *Client
	count   int32
	mu      sync.Mutex
}

func New(verifier *auth.Verifier, handler Handler, limits Limits, allowedOrigins []string) *Manager {
	m := &Manager{verifier: verifier, handler: handler, limits: limits}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return m
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Client is one upgraded WebSocket connection's server-side state.
type Client struct {
	conn      *websocket.Conn
	claims    model.Claims
	gatewayID string

	mu sync.Mutex

	windowStart time.Time
	windowCount int
	limit       int
}

// Upgrade completes the WS handshake for req, authenticating via bearer
// token or ?token= query parameter when the manager has a verifier
// configured, then serves frames until the connection closes.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, gatewayID string) {
	claims, err := m.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if m.atCapacity() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("wsgateway: upgrade failed: %v", err)
		return
	}

	client := &Client{conn: conn, claims: claims, gatewayID: gatewayID, limit: m.limits.MessagesPerSecond}
	m.register(claims.ClientID, client)
	defer m.unregister(claims.ClientID)

	m.serve(client)
}

func (m *Manager) authenticate(r *http.Request) (model.Claims, error) {
	if m.verifier == nil || !m.verifier.Enabled() {
		return model.Claims{ClientID: r.URL.Query().Get("clientId")}, nil
	}
	token := bearerToken(r)
	if token == "" {
		return model.Claims{}, fmt.Errorf("wsgateway: missing token")
	}
	return m.verifier.Verify(token)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (m *Manager) atCapacity() bool {
	count := 0
	m.clients.Range(func(_, _ any) bool { count++; return true })
	return m.limits.MaxConnections > 0 && count >= m.limits.MaxConnections
}

func (m *Manager) register(clientID string, c *Client) {
	m.clients.Store(clientID, c)
}

func (m *Manager) unregister(clientID string) {
	m.clients.Delete(clientID)
}

// serve reads frames until the connection closes or a policy violation
// forces it closed.
func (m *Manager) serve(c *Client) {
	defer c.conn.Close()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(payload) < 1 {
			c.closeWith(CloseMalformed, "empty frame")
			return
		}
		if !c.allowMessage() {
			c.closeWith(ClosePolicy, "rate limit exceeded")
			return
		}

		tag := payload[0]
		body, err := decodeLengthPrefixed(payload[1:])
		if err != nil {
			c.closeWith(CloseMalformed, "malformed frame")
			return
		}
		if err := m.dispatch(c, tag, body); err != nil {
			log.Warnf("wsgateway: dispatch: %v", err)
			c.closeWith(CloseMalformed, "malformed payload")
			return
		}
	}
}

func (m *Manager) dispatch(c *Client, tag byte, body []byte) error {
	ctx := context.Background()
	switch tag {
	case TagSyncPush:
		var push model.PushRequest
		if err := json.Unmarshal(body, &push); err != nil {
			return fmt.Errorf("decode push: %w", err)
		}
		resp, err := m.handler.HandlePush(ctx, push, c.claims)
		if err != nil {
			return err
		}
		return c.sendResponse(resp)
	case TagSyncPull:
		var pull model.PullRequest
		if err := json.Unmarshal(body, &pull); err != nil {
			return fmt.Errorf("decode pull: %w", err)
		}
		resp, err := m.handler.HandlePull(ctx, pull, c.claims)
		if err != nil {
			return err
		}
		return c.sendResponse(resp)
	default:
		return fmt.Errorf("unknown frame tag 0x%02x", tag)
	}
}

func (c *Client) sendResponse(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *Client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// allowMessage enforces the fixed-window per-second message cap: the
// window resets, rather than smoothly refilling, every second.
func (c *Client) allowMessage() bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.limit
}

// Broadcast sends delta, tagged for broadcast, to every connected client
// except originatingClientID whose claims pass the sync-rule filter.
// Delivery is best-effort: a send failure drops that one client silently
// and the dead entry is removed on its next read failure.
func (m *Manager) Broadcast(delta model.RowDelta, originatingClientID string) {
	payload, err := json.Marshal(delta)
	if err != nil {
		log.Errorf("wsgateway: broadcast encode: %v", err)
		return
	}
	framed := encodeLengthPrefixed(payload)
	frame := make([]byte, 1+len(framed))
	frame[0] = TagBroadcast
	copy(frame[1:], framed)

	m.clients.Range(func(key, value any) bool {
		clientID := key.(string)
		if clientID == originatingClientID {
			return true
		}
		client := value.(*Client)
		if !m.handler.Matches(delta, client.claims) {
			return true
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.BinaryMessage, frame)
		client.mu.Unlock()
		if err != nil {
			log.Warnf("wsgateway: broadcast to %s failed, dropping: %v", clientID, err)
		}
		return true
	})
}

// Count reports the number of currently-open connections.
func (m *Manager) Count() int {
	n := 0
	m.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

// CloseAll closes every open connection with CloseShutdown, used during
// graceful shutdown.
func (m *Manager) CloseAll() {
	m.clients.Range(func(key, value any) bool {
		value.(*Client).closeWith(CloseShutdown, "server shutdown")
		return true
	})
}

func encodeLengthPrefixed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func decodeLengthPrefixed(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("wsgateway: frame too short for length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return nil, fmt.Errorf("wsgateway: length prefix exceeds payload")
	}
	return data[4 : 4+n], nil
}
