// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package introspection answers token introspection (RFC 7662) and
// revocation (RFC 7009) requests for one domain.
package introspection

import (
	"context"
	"errors"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver/jwks"
	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Token type hints.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// missSignature is looked up when a token fails before it yields a
// signature, so every inactive verdict costs one store read.
const missSignature = "introspection-miss"

// Response is the introspection verdict. An inactive response carries
// nothing but Active.
type Response struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

// KeySource lists the domain's verification keys.
type KeySource interface {
	Providers() ([]keys.CertificateProvider, error)
}

// Store is the token storage used by the service.
type Store interface {
	GetToken(ctx context.Context, domainID, signature string) (*storage.TokenRecord, error)
	RevokeToken(ctx context.Context, domainID, signature string) error
	RevokeGrant(ctx context.Context, domainID, grantID string) error
}

// Config configures a Service.
type Config struct {
	DomainID string
	Issuer   string
	Keys     KeySource
	Store    Store
	Tokens   *token.Service
}

// Service introspects and revokes the tokens of one domain.
type Service struct {
	cfg Config
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// Introspect reports whether raw is an active token of the domain. Absent,
// expired, malformed and revoked tokens all produce the same inactive
// response. caller is the authenticated client making the request.
func (s *Service) Introspect(ctx context.Context, domainID, raw, hint string, caller *storage.Client) (*Response, error) {
	if caller == nil {
		return nil, oautherrors.NewInvalidClientError("client authentication is required", nil)
	}
	if err := s.checkDomain(domainID); err != nil {
		return nil, err
	}

	rec, claims, err := s.lookup(ctx, raw, hint)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Response{Active: false}, nil
	}

	resp := &Response{
		Active:    true,
		Scope:     strings.Join(rec.Scopes, " "),
		ClientID:  rec.ClientID,
		Username:  rec.Username,
		Subject:   rec.Subject,
		Audience:  rec.Audience,
		Issuer:    s.cfg.Issuer,
		ExpiresAt: rec.ExpiresAt.Unix(),
		IssuedAt:  rec.CreatedAt.Unix(),
		TokenType: string(rec.Type),
	}
	if claims != nil {
		resp.JTI = claims.ID
		if len(claims.Audience) > 0 {
			resp.Audience = claims.Audience
		}
		if claims.IssuedAt != nil {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
	}
	return resp, nil
}

// Revoke revokes raw on behalf of caller. Unknown tokens are not an error.
// Revoking a refresh token revokes every token of its grant.
func (s *Service) Revoke(ctx context.Context, domainID, raw, hint string, caller *storage.Client) error {
	if caller == nil {
		return oautherrors.NewInvalidClientError("client authentication is required", nil)
	}
	if err := s.checkDomain(domainID); err != nil {
		return err
	}

	rec, _, err := s.lookup(ctx, raw, hint)
	if err != nil || rec == nil {
		return err
	}
	if rec.ClientID != caller.ClientID {
		return oautherrors.NewUnauthorizedClientError("the token was issued to another client", nil)
	}

	if rec.Type == storage.TokenTypeRefresh && rec.GrantID != "" {
		err = s.cfg.Store.RevokeGrant(ctx, s.cfg.DomainID, rec.GrantID)
	} else {
		err = s.cfg.Store.RevokeToken(ctx, s.cfg.DomainID, rec.Signature)
	}
	if err != nil {
		return oautherrors.NewServerError("failed to revoke token", err)
	}
	logger.ForDomain(s.cfg.DomainID).Info("token revoked",
		"client_id", caller.ClientID, "token_type", string(rec.Type), "grant_id", rec.GrantID)
	return nil
}

func (s *Service) checkDomain(domainID string) error {
	if domainID != s.cfg.DomainID {
		return oautherrors.NewServerError("introspection service is bound to another domain", nil)
	}
	return nil
}

// lookup resolves raw to a live record. It returns a nil record for any
// token that is not active, and an error only when the store fails.
func (s *Service) lookup(ctx context.Context, raw, hint string) (*storage.TokenRecord, *token.AccessClaims, error) {
	var (
		signature = missSignature
		claims    *token.AccessClaims
		wantType  storage.TokenType
	)
	for _, kind := range order(hint) {
		if kind == HintAccessToken && token.IsJWT(raw) {
			c, err := s.verifyJWT(raw)
			if err != nil {
				if oautherrors.IsTemporarilyUnavailable(err) {
					return nil, nil, err
				}
				break
			}
			claims, signature, wantType = c, c.ID, storage.TokenTypeAccess
			break
		}
		if kind == HintRefreshToken && raw != "" && !token.IsJWT(raw) {
			sig, err := s.cfg.Tokens.Opaque().Signature(ctx, raw)
			if err != nil {
				break
			}
			signature, wantType = sig, storage.TokenTypeRefresh
			break
		}
	}

	rec, err := s.cfg.Store.GetToken(ctx, s.cfg.DomainID, signature)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil, nil
	case err != nil:
		return nil, nil, oautherrors.NewServerError("failed to look up token", err)
	}
	if wantType == "" || rec.Type != wantType || rec.IsExpired(s.cfg.Tokens.Now()) {
		return nil, nil, nil
	}
	if claims != nil && claims.ClientID != rec.ClientID {
		return nil, nil, nil
	}
	return rec, claims, nil
}

func (s *Service) verifyJWT(raw string) (*token.AccessClaims, error) {
	providers, err := s.cfg.Keys.Providers()
	if err != nil {
		return nil, err
	}
	return s.cfg.Tokens.VerifyAccessToken(raw, s.cfg.Issuer, jwks.Keys(providers))
}

// order returns the lookup order for hint. Unknown hints are ignored.
func order(hint string) []string {
	if hint == HintRefreshToken {
		return []string{HintRefreshToken, HintAccessToken}
	}
	return []string{HintAccessToken, HintRefreshToken}
}
