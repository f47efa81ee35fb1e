// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth validates the HS256 bearer tokens the gateway accepts on
// client and admin traffic. It validates identity claims already minted
// elsewhere — the gateway never issues tokens itself.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lakesync/gateway/internal/model"
)

var (
	ErrNoSecret       = errors.New("auth: no secret configured")
	ErrMissingSub     = errors.New("auth: token missing required claim sub")
	ErrMissingGateway = errors.New("auth: token missing required claim gw")
)

// Verifier validates bearer tokens against a single HS256 secret. An empty
// secret means the gateway is running with authentication disabled — per
// spec, "When no secret is configured, all routes are unauthenticated."
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether the verifier has a secret and therefore actually
// checks tokens.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// reservedClaims are claim names surfaced as Claims struct fields rather
// than folded into CustomClaims.
var reservedClaims = map[string]struct{}{
	"sub": {}, "gw": {}, "exp": {}, "iat": {}, "nbf": {}, "iss": {}, "aud": {}, "role": {},
}

// Verify parses and validates rawToken, returning the gateway's internal
// Claims shape. Required claims are sub (clientId) and gw (gatewayId);
// role defaults to "client"; every other string/string-list claim passes
// through as claim:<name> for sync-rule evaluation.
func (v *Verifier) Verify(rawToken string) (model.Claims, error) {
	if !v.Enabled() {
		return model.Claims{}, ErrNoSecret
	}

	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return model.Claims{}, fmt.Errorf("auth: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return model.Claims{}, fmt.Errorf("auth: invalid token")
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return model.Claims{}, ErrMissingSub
	}
	gw, _ := mapClaims["gw"].(string)
	if gw == "" {
		return model.Claims{}, ErrMissingGateway
	}

	role := model.RoleClient
	if r, ok := mapClaims["role"].(string); ok && r == string(model.RoleAdmin) {
		role = model.RoleAdmin
	}

	claims := model.Claims{
		ClientID:     sub,
		GatewayID:    gw,
		Role:         role,
		CustomClaims: make(map[string]model.ClaimValue),
	}
	for name, raw := range mapClaims {
		if _, reserved := reservedClaims[name]; reserved {
			continue
		}
		if cv, ok := toClaimValue(raw); ok {
			claims.CustomClaims[name] = cv
		}
	}
	return claims, nil
}

func toClaimValue(raw any) (model.ClaimValue, bool) {
	switch v := raw.(type) {
	case string:
		return model.ClaimValue{Single: v}, true
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return model.ClaimValue{}, false
			}
			list = append(list, s)
		}
		return model.ClaimValue{List: list}, true
	default:
		return model.ClaimValue{}, false
	}
}
