// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema validates wire and admin payloads against embedded JSON
// Schema documents before the gateway accepts them.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind names one of the embedded schema documents.
type Kind int

const (
	Push Kind = iota + 1
	Action
	SyncRulesDoc
	ConnectorConfig
	TableSchema
	ProgramConfig
)

//go:embed schemas/*
var schemaFiles embed.FS

func load(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = load
}

func uriFor(k Kind) (string, error) {
	switch k {
	case Push:
		return "embedFS://schemas/push.schema.json", nil
	case Action:
		return "embedFS://schemas/action.schema.json", nil
	case SyncRulesDoc:
		return "embedFS://schemas/sync-rules.schema.json", nil
	case ConnectorConfig:
		return "embedFS://schemas/connector-config.schema.json", nil
	case TableSchema:
		return "embedFS://schemas/table-schema.schema.json", nil
	case ProgramConfig:
		return "embedFS://schemas/program-config.schema.json", nil
	default:
		return "", fmt.Errorf("schema: unknown kind %d", k)
	}
}

// compiled caches each document's compiled schema; there are only a
// handful of documents and they never change at runtime, so compiling once
// on first use is simpler than an eviction policy.
var compiled = map[Kind]*jsonschema.Schema{}

func compile(k Kind) (*jsonschema.Schema, error) {
	if s, ok := compiled[k]; ok {
		return s, nil
	}
	uri, err := uriFor(k)
	if err != nil {
		return nil, err
	}
	s, err := jsonschema.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %v: %w", k, err)
	}
	compiled[k] = s
	return s, nil
}

// Validate checks r's JSON body against the schema for k.
func Validate(k Kind, r io.Reader) error {
	s, err := compile(k)
	if err != nil {
		return err
	}

	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return fmt.Errorf("schema: decode body: %w", err)
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// ValidateBytes is a convenience wrapper for callers already holding the
// raw body, such as WebSocket frame payloads.
func ValidateBytes(k Kind, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("schema: decode body: %w", err)
	}
	s, err := compile(k)
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
