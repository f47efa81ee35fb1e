// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/model"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())
	_, err := v.Verify("anything")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestVerifyExtractsRequiredClaims(t *testing.T) {
	v := NewVerifier("topsecret")
	raw := sign(t, "topsecret", jwt.MapClaims{
		"sub": "client-1",
		"gw":  "gateway-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "gateway-1", claims.GatewayID)
	assert.Equal(t, model.RoleClient, claims.Role)
}

func TestVerifyRejectsMissingSub(t *testing.T) {
	v := NewVerifier("topsecret")
	raw := sign(t, "topsecret", jwt.MapClaims{"gw": "gateway-1"})

	_, err := v.Verify(raw)
	assert.ErrorIs(t, err, ErrMissingSub)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("topsecret")
	raw := sign(t, "wrong", jwt.MapClaims{"sub": "c1", "gw": "g1"})

	_, err := v.Verify(raw)
	assert.Error(t, err)
}

func TestVerifyPassesThroughCustomClaims(t *testing.T) {
	v := NewVerifier("topsecret")
	raw := sign(t, "topsecret", jwt.MapClaims{
		"sub":    "c1",
		"gw":     "g1",
		"role":   "admin",
		"groups": []any{"eng", "ops"},
	})

	claims, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, claims.Role)
	assert.Equal(t, []string{"eng", "ops"}, claims.CustomClaims["groups"].List)
}
