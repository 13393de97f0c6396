// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"

	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
)

// Opaque mints and checks HMAC tokens of the form "<key>.<signature>".
// Only the signature is ever stored.
type Opaque struct {
	strategy *hmac.HMACStrategy
}

// NewOpaque creates an Opaque strategy keyed by secret, which must be at
// least crypto.MinHMACSecretLength bytes. Tokens signed with any of rotated
// still validate.
func NewOpaque(secret []byte, rotated ...[]byte) (*Opaque, error) {
	if len(secret) < crypto.MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes", crypto.MinHMACSecretLength)
	}
	return &Opaque{strategy: &hmac.HMACStrategy{Config: &fosite.Config{
		GlobalSecret:         secret,
		RotatedGlobalSecrets: rotated,
	}}}, nil
}

// Generate returns a new token and its storage signature.
func (o *Opaque) Generate(ctx context.Context) (token, signature string, err error) {
	token, signature, err = o.strategy.Generate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate opaque token: %w", err)
	}
	return token, signature, nil
}

// Signature validates token against the secret and returns its storage
// signature.
func (o *Opaque) Signature(ctx context.Context, token string) (string, error) {
	if err := o.strategy.Validate(ctx, token); err != nil {
		return "", err
	}
	return o.strategy.Signature(token), nil
}

// IsJWT reports whether token has the three-segment compact JWS shape.
func IsJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
