// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims of a JWT access token.
type AccessClaims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	Username string `json:"username,omitempty"`
}

// Scopes returns the space-delimited scope claim as a list.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IDClaims are the claims of an OpenID Connect ID token.
type IDClaims struct {
	jwt.RegisteredClaims

	AuthorizedParty string           `json:"azp,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
	CodeHash        string           `json:"c_hash,omitempty"`
}
