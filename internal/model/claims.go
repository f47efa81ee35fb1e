// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package model

import "encoding/json"

// Role distinguishes ordinary sync clients from administrators allowed to
// touch /v1/admin routes.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Claims is the authenticated identity carried by a verified bearer token,
// and the input to sync-rule evaluation via "claim:<name>" references.
type Claims struct {
	ClientID     string              `json:"clientId"`
	GatewayID    string              `json:"gatewayId"`
	Role         Role                `json:"role"`
	CustomClaims map[string]ClaimValue `json:"customClaims,omitempty"`
}

// ClaimValue is either a single string or a list of strings, matching the
// JWT custom-claim shapes the gateway accepts.
type ClaimValue struct {
	Single string
	List   []string
}

// UnmarshalJSON accepts either a bare string or an array of strings, the
// two shapes a JWT custom claim may take.
func (c *ClaimValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Single = s
		c.List = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	c.List = list
	c.Single = ""
	return nil
}

// MarshalJSON emits a bare string when List is unset, otherwise an array.
func (c ClaimValue) MarshalJSON() ([]byte, error) {
	if c.List != nil {
		return json.Marshal(c.List)
	}
	return json.Marshal(c.Single)
}

// Resolve returns the claim as a comparable value for filter evaluation: a
// string if Single was set, otherwise the string list.
func (c ClaimValue) Resolve() any {
	if c.List != nil {
		return c.List
	}
	return c.Single
}

// Lookup resolves a "claim:<name>" reference against this claim set, also
// exposing the well-known identity fields sub/gw/role under those names.
func (c Claims) Lookup(name string) (any, bool) {
	switch name {
	case "sub":
		return c.ClientID, true
	case "gw":
		return c.GatewayID, true
	case "role":
		return string(c.Role), true
	}
	v, ok := c.CustomClaims[name]
	if !ok {
		return nil, false
	}
	return v.Resolve(), true
}
