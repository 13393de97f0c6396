// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// TypeJWTBearer is the factory type of the RFC 7523 JWT bearer provider.
const TypeJWTBearer = "jwt-bearer"

// GrantTypeJWTBearer is the grant_type of RFC 7523 assertions.
const GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// DefaultMaxAssertionLifetime bounds exp - iat of accepted assertions.
const DefaultMaxAssertionLifetime = time.Hour

// KeySource resolves assertion signing keys. jwks.RemoteResolver implements it.
type KeySource interface {
	PublicKey(ctx context.Context, jwksURL, kid string) (any, error)
}

// JWTBearerConfig is the configuration document of a jwt-bearer grant.
type JWTBearerConfig struct {
	// Issuer is the required iss of assertions.
	Issuer string `json:"issuer"`

	// JWKSURI publishes the issuer's signing keys.
	JWKSURI string `json:"jwksUri"`

	// Audience is the required aud. Defaults to the domain issuer.
	Audience string `json:"audience,omitempty"`

	// UsernameClaim names the claim copied into the username.
	UsernameClaim string `json:"usernameClaim,omitempty"`

	// MaxLifetime bounds exp - iat, as a Go duration string.
	MaxLifetime string `json:"maxLifetime,omitempty"`
}

type jwtBearerProvider struct {
	cfg         JWTBearerConfig
	maxLifetime time.Duration
	keys        KeySource
	now         func() time.Time
}

// NewJWTBearerFactory returns the FactoryFunc of TypeJWTBearer.
func NewJWTBearerFactory(keys KeySource) FactoryFunc {
	return newJWTBearerFactory(keys, time.Now)
}

func newJWTBearerFactory(keys KeySource, now func() time.Time) FactoryFunc {
	return func(_ context.Context, grant *storage.ExtensionGrant) (Provider, error) {
		var cfg JWTBearerConfig
		dec := json.NewDecoder(bytes.NewReader(grant.Configuration))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid jwt-bearer configuration: %w", err)
		}
		if cfg.Issuer == "" {
			return nil, errors.New("jwt-bearer configuration requires an issuer")
		}
		if u, err := url.Parse(cfg.JWKSURI); err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("jwt-bearer configuration requires an absolute jwksUri")
		}
		p := &jwtBearerProvider{cfg: cfg, maxLifetime: DefaultMaxAssertionLifetime, keys: keys, now: now}
		if cfg.MaxLifetime != "" {
			d, err := time.ParseDuration(cfg.MaxLifetime)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid maxLifetime %q", cfg.MaxLifetime)
			}
			p.maxLifetime = d
		}
		return p, nil
	}
}

func (p *jwtBearerProvider) Grant(ctx context.Context, req *Request) (*Result, error) {
	assertion := req.Form.Get(oauth.ParamAssertion)
	if assertion == "" {
		return nil, Fail("assertion is required", nil)
	}

	audience := p.cfg.Audience
	if audience == "" {
		audience = req.Issuer
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return p.keys.PublicKey(ctx, p.cfg.JWKSURI, kid)
	},
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithValidMethods([]string{
			crypto.AlgRS256, crypto.AlgRS384, crypto.AlgRS512,
			crypto.AlgES256, crypto.AlgES384, crypto.AlgES512, crypto.AlgEdDSA,
		}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		logger.ForDomain(req.DomainID).Debug("rejected jwt-bearer assertion", "client_id", req.Client.ClientID, "error", err)
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, Fail("unable to verify the assertion signature", err)
		}
		return nil, Fail(fmt.Sprintf("invalid assertion: %v", err), err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, Fail("assertion has no subject", err)
	}
	exp, _ := claims.GetExpirationTime()
	if iat, _ := claims.GetIssuedAt(); iat != nil && exp.Sub(iat.Time) > p.maxLifetime {
		return nil, Fail("assertion lifetime is too long", nil)
	}

	result := &Result{Subject: sub}
	if p.cfg.UsernameClaim != "" {
		result.Username, _ = claims[p.cfg.UsernameClaim].(string)
	}
	return result, nil
}
