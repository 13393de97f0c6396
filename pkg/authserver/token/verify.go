// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
)

// ErrUnknownKey is returned when a token's kid is not in the key set.
var ErrUnknownKey = errors.New("token signed with an unknown key")

var validMethods = []string{
	crypto.AlgRS256, crypto.AlgRS384, crypto.AlgRS512,
	crypto.AlgES256, crypto.AlgES384, crypto.AlgES512,
	crypto.AlgEdDSA,
}

// VerifyAccessToken checks the signature of raw against set, its issuer and
// its expiry, and returns its claims.
func (s *Service) VerifyAccessToken(raw, issuer string, set jose.JSONWebKeySet) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, keyFunc(set),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(validMethods),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if claims.ID == "" {
		return nil, errors.New("invalid access token: missing jti")
	}
	return claims, nil
}

func keyFunc(set jose.JSONWebKeySet) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := jwks.FindKey(set, kid)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return key.Key, nil
	}
}
