// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the gateway's program configuration:
// listen address, storage/persistence backend selection, buffer and
// cluster tuning, and auth settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lakesync/gateway/pkg/log"
	"github.com/lakesync/gateway/pkg/schema"
)

// StorageConfig selects and configures C6's durable-flush adapter.
type StorageConfig struct {
	Kind string `json:"kind"` // "sql" or "s3"

	// SQL adapter.
	Driver string `json:"driver,omitempty"` // sqlite3, mysql, postgres
	DSN    string `json:"dsn,omitempty"`

	// S3 lake adapter.
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// PersistenceConfig selects C2's WAL/cursor store.
type PersistenceConfig struct {
	Kind string `json:"kind"` // "memory" or "sqlite"
	Path string `json:"path,omitempty"`
}

// BufferConfig tunes C3's flush triggers.
type BufferConfig struct {
	MaxBytes        int64 `json:"maxBytes"`
	MaxAgeMs        int64 `json:"maxAgeMs"`
	FlushIntervalMs int64 `json:"flushIntervalMs"`
}

func (b BufferConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeMs) * time.Millisecond
}

func (b BufferConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

// ClusterConfig tunes C9's coordination layer.
type ClusterConfig struct {
	Enabled     bool   `json:"enabled"`
	Consistency string `json:"consistency"` // "eventual" or "strong"
	LockDriver  string `json:"lockDriver,omitempty"` // "mysql" or "store"
}

func (c ClusterConfig) Strong() bool { return c.Consistency == "strong" }

// HTTPConfig tunes C11's resource caps.
type HTTPConfig struct {
	RequestTimeoutMs   int64    `json:"requestTimeoutMs"`
	DrainTimeoutMs     int64    `json:"drainTimeoutMs"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
	MaxPushBytes       int64    `json:"maxPushBytes"`
	MaxPushDeltas      int      `json:"maxPushDeltas"`
	CORSAllowedOrigins []string `json:"corsAllowedOrigins"`
}

func (h HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutMs) * time.Millisecond
}

func (h HTTPConfig) DrainTimeout() time.Duration {
	return time.Duration(h.DrainTimeoutMs) * time.Millisecond
}

// WebSocketConfig tunes C10.
type WebSocketConfig struct {
	MaxConnections     int `json:"maxConnections"`
	MessagesPerSecond  int `json:"messagesPerSecond"`
}

// ProgramConfig is the gateway's top-level, file-backed configuration.
// Defaults here mirror spec's documented resource caps so an empty config
// file still produces a sane server.
type ProgramConfig struct {
	Addr       string   `json:"addr"`
	GatewayIDs []string `json:"gatewayIds"`
	JWTSecret  string   `json:"jwtSecret,omitempty"`
	GopsAgent  bool     `json:"gopsAgent,omitempty"`

	Storage     StorageConfig     `json:"storage"`
	Persistence PersistenceConfig `json:"persistence"`
	Buffer      BufferConfig      `json:"buffer"`
	Cluster     ClusterConfig     `json:"cluster"`
	HTTP        HTTPConfig        `json:"http"`
	WebSocket   WebSocketConfig   `json:"websocket"`
}

// Keys is the process-wide configuration, populated by Init.
var Keys = ProgramConfig{
	Addr:        ":8080",
	Persistence: PersistenceConfig{Kind: "sqlite", Path: "./var/gateway.db"},
	Buffer: BufferConfig{
		MaxBytes:        4 << 20,
		MaxAgeMs:        30_000,
		FlushIntervalMs: 30_000,
	},
	Cluster: ClusterConfig{Enabled: false, Consistency: "eventual"},
	HTTP: HTTPConfig{
		RequestTimeoutMs:   30_000,
		DrainTimeoutMs:     30_000,
		RateLimitPerMinute: 100,
		MaxPushBytes:       1 << 20,
		MaxPushDeltas:      10_000,
	},
	WebSocket: WebSocketConfig{
		MaxConnections:    1_000,
		MessagesPerSecond: 50,
	},
}

// Init loads .env (if present, via godotenv, overlaying process environment
// without clobbering variables already set) then reads and validates the
// JSON config file at flagConfigFile, merging it over the defaults in Keys.
// A missing config file is not an error — the defaults stand.
func Init(flagConfigFile string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: .env load failed: %v", err)
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", flagConfigFile, err)
	}

	if err := schema.Validate(schema.ProgramConfig, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}

	if len(Keys.GatewayIDs) == 0 {
		return fmt.Errorf("config: at least one gatewayId is required")
	}

	return nil
}
